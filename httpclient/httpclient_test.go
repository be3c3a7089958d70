package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusErrorsAreNotRetried(t *testing.T) {
	assert := assert.New(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, err := retryablehttp.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, []byte("{}"))
	require.NoError(t, err)
	resp, err := New(nil, time.Second, 3).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(int32(1), atomic.LoadInt32(&calls))
}

func TestTransportErrorsAreRetried(t *testing.T) {
	assert := assert.New(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var accepted int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			conn.Close()
		}
	}()
	defer l.Close()

	req, err := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+l.Addr().String(), nil)
	require.NoError(t, err)
	_, err = New(nil, time.Second, 2).Do(req)
	assert.Error(err)
	assert.Equal(int32(3), atomic.LoadInt32(&accepted))
}

func TestCheckRetryStopsOnDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retry, err := checkRetry(ctx, nil, context.Canceled)
	assert.False(t, retry)
	assert.Error(t, err)
}

func TestFields(t *testing.T) {
	assert.Equal(t, logrus.Fields{"url": "x", "attempt": 2}, fields([]interface{}{"url", "x", "attempt", 2, "dangling"}))
}
