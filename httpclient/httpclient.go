// Package httpclient builds the retrying http client used for outbound calls.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultRetryMax is the number of retries after a transport error
	DefaultRetryMax = 2

	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 2 * time.Second
)

// New returns a client retrying transport errors at most retryMax times
// HTTP error statuses are returned as is, a generation request that reached
// the service must not be sent twice
// base overrides the underlying http client, it may be nil
func New(base *http.Client, timeout time.Duration, retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	c.HTTPClient = base
	if retryMax < 0 {
		retryMax = 0
	}
	c.RetryMax = retryMax
	c.RetryWaitMin = retryWaitMin
	c.RetryWaitMax = retryWaitMax
	c.Logger = logger{}
	c.CheckRetry = checkRetry
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return c
}

// checkRetry retries transport errors only and stops once ctx is done
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		log.Debugf("Retrying after transport error: %s", err)
		return true, nil
	}
	return false, nil
}

// logger adapts logrus to retryablehttp.LeveledLogger
type logger struct{}

func (logger) Error(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Error(msg)
}

func (logger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (logger) Debug(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (logger) Warn(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Warn(msg)
}

func fields(kv []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[k] = kv[i+1]
	}
	return f
}
