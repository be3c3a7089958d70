// Package cloud talks to the remote CSS generation service.
package cloud

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chrisvdg/cssoptm/httpclient"
	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// TypeCritical asks the service for critical css
	TypeCritical = "CRITICAL"
	// TypeUnused asks the service for a stylesheet without unused selectors
	TypeUnused = "UNUSED"

	// DefaultTimeout bounds a generation request
	DefaultTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds a diagnostic probe
	DefaultProbeTimeout = 180 * time.Second

	generatePath  = "/ccss"
	allowancePath = "/allowance"
	maxBodySize   = 20 << 20
)

var (
	// ErrMalformed represents a response that is not a JSON object
	ErrMalformed = errors.New("malformed service response")
)

// Request represents a generation request
type Request struct {
	Type          string   `json:"type"`
	URL           string   `json:"url"`
	CorrelationID string   `json:"correlation_id"`
	UserAgent     string   `json:"user_agent"`
	IsMobile      int      `json:"is_mobile"`
	HTML          string   `json:"html"`
	CSS           string   `json:"css"`
	Whitelist     []string `json:"whitelist,omitempty"`
}

// Response holds the decoded service result, keyed by field name
type Response map[string]interface{}

// CSS returns the generated css stored under the field named after kind
func (r Response) CSS(kind string) (string, bool) {
	v, ok := r[kind].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Config represents the service client settings
type Config struct {
	// Endpoint is the service base URL
	Endpoint string
	// APIKey authenticates the site
	APIKey string
	// Timeout bounds a generation request, defaults to DefaultTimeout
	Timeout time.Duration
	// ProbeTimeout bounds a diagnostic probe, defaults to DefaultProbeTimeout
	ProbeTimeout time.Duration
	// Client overrides the underlying http client
	Client *http.Client
	// RetryMax is the number of retries after a transport error, 0 uses the
	// default and a negative value disables retries
	RetryMax int
}

// New returns a service client
func New(c *Config) (*Client, error) {
	if c.Endpoint == "" {
		return nil, errors.New("no service endpoint provided")
	}
	cl := &Client{
		endpoint:     strings.TrimRight(c.Endpoint, "/"),
		apiKey:       c.APIKey,
		timeout:      c.Timeout,
		probeTimeout: c.ProbeTimeout,
	}
	if cl.timeout == 0 {
		cl.timeout = DefaultTimeout
	}
	if cl.probeTimeout == 0 {
		cl.probeTimeout = DefaultProbeTimeout
	}
	retryMax := c.RetryMax
	if retryMax == 0 {
		retryMax = httpclient.DefaultRetryMax
	}
	// requests are bounded by their context, retries included
	cl.http = httpclient.New(c.Client, 0, retryMax)
	return cl, nil
}

// Client represents a generation service client
type Client struct {
	endpoint     string
	apiKey       string
	timeout      time.Duration
	probeTimeout time.Duration
	http         *retryablehttp.Client
}

// Generate sends a generation request
func (c *Client) Generate(ctx context.Context, req *Request) (Response, error) {
	return c.post(ctx, c.timeout, req)
}

// Probe sends a generation request with the longer diagnostic timeout
func (c *Client) Probe(ctx context.Context, req *Request) (Response, error) {
	return c.post(ctx, c.probeTimeout, req)
}

// Allowance reports whether the site has quota left for a generation request
func (c *Client) Allowance(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+allowancePath, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to create allowance request")
	}
	var out struct {
		Allowance int `json:"allowance"`
	}
	err = c.do(httpReq, &out)
	if err != nil {
		return false, err
	}

	return out.Allowance > 0, nil
}

func (c *Client) post(ctx context.Context, timeout time.Duration, req *Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal generation request")
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+generatePath, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create generation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	log.Debugf("Generating %s [url] %s [tag] %s", req.Type, req.URL, req.CorrelationID)

	resp := Response{}
	err = c.do(httpReq, &resp)
	if err != nil {
		return nil, err
	}
	if msg, ok := resp["error"].(string); ok && msg != "" {
		return nil, errors.Errorf("service error: %s", msg)
	}

	return resp, nil
}

func (c *Client) do(httpReq *retryablehttp.Request, out interface{}) error {
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "service request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "failed to read service response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("service returned status %d", resp.StatusCode)
	}
	err = json.Unmarshal(body, out)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}

	return nil
}
