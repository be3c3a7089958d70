// Package fetch loads rendered pages and stylesheets over HTTP.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chrisvdg/cssoptm/httpclient"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// CtrlParam is the query parameter asking the site for the unoptimized page
	CtrlParam = "cssoptm_ctrl"
	// CtrlBeforeOptm asks for the page as rendered before optimization
	CtrlBeforeOptm = "before_optm"
	// UserHeader carries the session identity to render the page for
	UserHeader = "X-User-Id"

	maxBodySize = 10 << 20
)

var (
	// ErrHostNotAllowed represents a stylesheet outside the site and allowed hosts
	ErrHostNotAllowed = errors.New("stylesheet host not allowed")
	// ErrOffSite represents a page outside the site
	ErrOffSite = errors.New("page is not on the site")
)

// Config represents the fetcher settings
type Config struct {
	// SiteURL is the base URL relative references resolve against
	SiteURL string
	// AllowedHosts lists extra hosts stylesheets may be loaded from
	AllowedHosts []string
	// Timeout bounds a single request
	Timeout time.Duration
	// Client overrides the underlying http client
	Client *http.Client
	// RetryMax is the number of retries after a transport error, 0 uses the
	// default and a negative value disables retries
	RetryMax int
}

// New returns a fetcher for the site
func New(c *Config) (*Fetcher, error) {
	if c.SiteURL == "" {
		return nil, errors.New("no site url provided")
	}
	base, err := url.Parse(c.SiteURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid site url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("site url scheme %q not supported", base.Scheme)
	}
	retryMax := c.RetryMax
	if retryMax == 0 {
		retryMax = httpclient.DefaultRetryMax
	}
	hosts := map[string]struct{}{strings.ToLower(base.Host): {}}
	for _, h := range c.AllowedHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}

	return &Fetcher{
		base:  base,
		hosts: hosts,
		http:  httpclient.New(c.Client, c.Timeout, retryMax),
	}, nil
}

// Fetcher loads pages and stylesheets of one site
type Fetcher struct {
	base  *url.URL
	hosts map[string]struct{}
	http  *retryablehttp.Client
}

// FetchRendered returns the markup of pageURL rendered for the given client
// identity and user, before any optimization
func (f *Fetcher) FetchRendered(ctx context.Context, pageURL, userAgent string, userID int64) (string, error) {
	u, err := f.ResolvePage(pageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(CtrlParam, CtrlBeforeOptm)
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create page request")
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if userID > 0 {
		req.Header.Set(UserHeader, strconv.FormatInt(userID, 10))
	}

	body, err := f.get(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch %s", pageURL)
	}
	log.Debugf("Fetched rendered copy of %s (%d bytes)", pageURL, len(body))

	return body, nil
}

// LoadStylesheet returns the content of the stylesheet at href
func (f *Fetcher) LoadStylesheet(ctx context.Context, href string) (string, error) {
	u, err := f.resolve(href)
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create stylesheet request")
	}

	return f.get(req)
}

// ResolvePage resolves pageURL against the site and rejects pages served by
// any other host, allowed stylesheet hosts included
func (f *Fetcher) ResolvePage(pageURL string) (*url.URL, error) {
	u, err := f.base.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid page url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || !strings.EqualFold(u.Host, f.base.Host) || u.User != nil {
		return nil, errors.Wrapf(ErrOffSite, "url %s", u.Redacted())
	}
	return u, nil
}

func (f *Fetcher) resolve(href string) (*url.URL, error) {
	u, err := f.base.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, errors.Wrap(err, "invalid stylesheet href")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrHostNotAllowed, "scheme %s", u.Scheme)
	}
	if _, ok := f.hosts[strings.ToLower(u.Host)]; !ok {
		return nil, errors.Wrapf(ErrHostNotAllowed, "host %s", u.Host)
	}
	return u, nil
}

func (f *Fetcher) get(req *retryablehttp.Request) (string, error) {
	resp, err := f.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", errors.Wrap(err, "failed to read response body")
	}

	return string(data), nil
}
