package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get(CtrlParam) + "|" + r.UserAgent() + "|" + r.Header.Get(UserHeader)))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(".a{}"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRendered(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)
	f, err := New(&Config{SiteURL: srv.URL})
	require.NoError(t, err)

	body, err := f.FetchRendered(context.Background(), srv.URL+"/page", "UA/1.0", 7)
	assert.NoError(err)
	assert.Equal("before_optm|UA/1.0|7", body)

	body, err = f.FetchRendered(context.Background(), "/page", "UA/1.0", 0)
	assert.NoError(err)
	assert.Equal("before_optm|UA/1.0|", body)

	_, err = f.FetchRendered(context.Background(), "/missing", "UA/1.0", 0)
	assert.Error(err)
}

func TestLoadStylesheet(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)
	f, err := New(&Config{SiteURL: srv.URL + "/blog/"})
	require.NoError(t, err)

	con, err := f.LoadStylesheet(context.Background(), "/style.css")
	assert.NoError(err)
	assert.Equal(".a{}", con)

	_, err = f.LoadStylesheet(context.Background(), "https://cdn.example.com/x.css")
	assert.Equal(ErrHostNotAllowed, errors.Cause(err))

	_, err = f.LoadStylesheet(context.Background(), "data:text/css,.a{}")
	assert.Equal(ErrHostNotAllowed, errors.Cause(err))
}

func TestFetchRenderedRejectsOffSitePages(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("internal"))
	}))
	defer other.Close()

	f, err := New(&Config{SiteURL: srv.URL, AllowedHosts: []string{strings.TrimPrefix(other.URL, "http://")}})
	require.NoError(t, err)

	for _, u := range []string{
		other.URL + "/x",
		"//" + strings.TrimPrefix(other.URL, "http://") + "/x",
		"file:///etc/passwd",
		"http://user@" + strings.TrimPrefix(srv.URL, "http://") + "/page",
	} {
		body, err := f.FetchRendered(context.Background(), u, "UA/1.0", 0)
		assert.Equal(ErrOffSite, errors.Cause(err), u)
		assert.Equal("", body, u)
	}

	// the allowed stylesheet host still serves stylesheets
	con, err := f.LoadStylesheet(context.Background(), other.URL+"/x")
	assert.NoError(err)
	assert.Equal("internal", con)
}
