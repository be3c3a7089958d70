package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/chrisvdg/cssoptm/cache"
	"github.com/chrisvdg/cssoptm/cloud"
	"github.com/chrisvdg/cssoptm/extract"
	"github.com/chrisvdg/cssoptm/fetch"
	"github.com/chrisvdg/cssoptm/optm"
	"github.com/chrisvdg/cssoptm/vary"
	"github.com/chrisvdg/cssoptm/worker"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const defaultActionRedirect = "/admin/notices"

// New creates a new server instance
func New(c *Config) (*Server, error) {
	if c.SiteURL == "" {
		return nil, errors.New("No site url provided")
	}
	if c.Cloud == nil || c.Cloud.Endpoint == "" {
		return nil, errors.New("No generation service endpoint provided")
	}
	if c.Vary == nil {
		c.Vary = &vary.Config{}
	}
	if c.Worker == nil {
		c.Worker = &worker.Config{}
	}
	if c.Page == nil {
		c.Page = &optm.Config{}
	}
	if c.ActionRedirect == "" {
		c.ActionRedirect = defaultActionRedirect
	}

	if !c.SkipSiteCheck {
		err := testTarget(c.SiteURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to site")
		}
	}

	resolver, err := vary.New(c.Vary)
	if err != nil {
		return nil, err
	}
	ch, err := cache.New(c.SummaryFile, c.StaticDir, c.Tenant, c.ReadCacheSize)
	if err != nil {
		return nil, err
	}
	s, err := build(c, ch, resolver)
	if err != nil {
		ch.Close()
		return nil, err
	}

	return s, nil
}

func build(c *Config, ch *cache.Cache, resolver *vary.Resolver) (*Server, error) {
	fetcher, err := fetch.New(&fetch.Config{
		SiteURL:      c.SiteURL,
		AllowedHosts: c.AllowedHosts,
		Timeout:      c.FetchTimeout,
		RetryMax:     c.RetryMax,
	})
	if err != nil {
		return nil, err
	}
	client, err := cloud.New(&cloud.Config{
		Endpoint:     c.Cloud.Endpoint,
		APIKey:       c.Cloud.APIKey,
		Timeout:      c.Cloud.Timeout,
		ProbeTimeout: c.Cloud.ProbeTimeout,
		RetryMax:     c.RetryMax,
	})
	if err != nil {
		return nil, err
	}

	board := optm.NewBoard()
	tramp := worker.NewTrampoline()
	w, err := worker.New(c.Worker, &worker.Deps{
		Cache:     ch,
		Generator: client,
		Fetcher:   fetcher,
		Extractor: extract.New(&extract.Config{Loader: fetcher}),
		Notifier:  board,
		Scheduler: tramp,
	})
	if err != nil {
		return nil, err
	}

	if c.AdminToken == "" {
		log.Warn("No admin token configured, operator routes are disabled")
	}

	return &Server{
		c:       c,
		cache:   ch,
		vary:    resolver,
		fetcher: fetcher,
		worker:  w,
		tramp:   tramp,
		service: optm.New(c.Page, ch, resolver, w, board),
	}, nil
}

// Server represents a server instance
type Server struct {
	c       *Config
	cache   *cache.Cache
	vary    *vary.Resolver
	fetcher *fetch.Fetcher
	worker  *worker.Worker
	tramp   *worker.Trampoline
	service *optm.Service
}

// Router returns the http routes of the server
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	h := newHandlers(s.service, s.vary, s.worker, s.fetcher, s.c.ActionRedirect, s.c.AdminToken)
	admin := func(f http.HandlerFunc) http.Handler {
		return h.admin(f)
	}

	r.HandleFunc("/css/critical", h.CriticalHandler).Methods("GET")
	r.HandleFunc("/css/unused", h.UnusedHandler).Methods("GET")
	r.Handle("/css/combined", admin(h.CombinedHandler)).Methods("PUT")
	r.Handle("/css/clear", admin(h.ClearHandler)).Methods("POST")
	r.HandleFunc("/vary/guest", h.GuestVaryHandler).Methods("GET")
	r.Handle("/action/css/{type}", admin(h.ActionHandler)).Methods("GET", "POST")
	r.Handle("/debug/probe", admin(h.ProbeHandler)).Methods("GET")
	r.Handle("/admin/notices", admin(h.NoticesHandler)).Methods("GET")
	r.Handle("/admin/status", admin(h.StatusHandler)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.PathPrefix("/static/").HandlerFunc(s.staticHandler).Methods("GET", "HEAD")

	return r
}

// staticHandler serves critical and unused artifacts, nothing else of the
// static root is reachable
func (s *Server) staticHandler(res http.ResponseWriter, req *http.Request) {
	file, ok := s.cache.Store.PublicFile(strings.TrimPrefix(req.URL.Path, "/static"))
	if !ok {
		http.NotFound(res, req)
		return
	}
	http.ServeFile(res, req, file)
}

// ListenAndServe listens for new requests and serves them
func (s *Server) ListenAndServe() {
	r := s.Router()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.cache.Close()

	quit := make(chan struct{})
	defer close(quit)
	go s.tramp.Run(ctx, s.worker.Continue)
	go s.worker.Cron(quit, s.c.CronInterval)
	go s.cache.Cleanup(quit, s.c.CacheCleanupInterval)

	tlsEnabled := s.c.TLS != nil && s.c.TLS.CertFile != "" && s.c.TLS.KeyFile != ""
	if !s.c.TLSOnly {
		go listenAndServe(ctx, cancel, s.c.ListenAddr, r)
	}

	if tlsEnabled {
		go listenAndServeTLS(ctx, cancel, s.c.TLSListenAddr, s.c.TLS, r)
	}

	<-ctx.Done()
}

// listenAndServe serves a plain http webserver
func listenAndServe(ctx context.Context, cancel func(), addr string, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("http server listening on: http://%s\n", addrStr)
	log.Error(http.ListenAndServe(addr, handler))
}

// listenAndServeTLS serves a tls webserver
func listenAndServeTLS(ctx context.Context, cancel func(), addr string, tls *TLSConfig, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("https server listening on: https://%s\n", addrStr)
	log.Error(http.ListenAndServeTLS(addr, tls.CertFile, tls.KeyFile, handler))
}

// Worker returns the queue worker of the server
func (s *Server) Worker() *worker.Worker {
	return s.worker
}

// Service returns the page service of the server
func (s *Server) Service() *optm.Service {
	return s.service
}

// Close releases the artifact store
func (s *Server) Close() error {
	return s.cache.Close()
}

func testTarget(url string) error {
	res, err := http.Get(url)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

func getAddrString(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = fmt.Sprintf("0.0.0.0%s", addr)
	}
	return addr
}
