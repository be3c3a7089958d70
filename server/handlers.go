package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chrisvdg/cssoptm/cloud"
	"github.com/chrisvdg/cssoptm/fetch"
	"github.com/chrisvdg/cssoptm/optm"
	"github.com/chrisvdg/cssoptm/vary"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Identity headers set by the trusted upstream
const (
	HeaderUserID         = fetch.UserHeader
	HeaderUserRole       = "X-User-Role"
	HeaderAdminBar       = "X-Admin-Bar"
	HeaderPasswordCookie = "X-Password-Cookie"
	HeaderEnvVary        = "X-LSCACHE-VARY-VALUE"
	HeaderCacheTags      = "X-Cache-Tags"
	HeaderVary           = "X-Vary"
	// HeaderAdminToken carries the token of operator requests
	HeaderAdminToken = "X-Admin-Token"
)

// maxCombinedSize bounds the combined stylesheet upload
const maxCombinedSize = 8 << 20

type prober interface {
	Probe(ctx context.Context, pageURL, userAgent string) (cloud.Response, error)
}

// site checks that page URLs belong to the site
type site interface {
	ResolvePage(pageURL string) (*url.URL, error)
}

func newHandlers(service *optm.Service, resolver *vary.Resolver, p prober, st site, redirect, adminToken string) *handlers {
	return &handlers{
		service:    service,
		vary:       resolver,
		prober:     p,
		site:       st,
		redirect:   redirect,
		adminToken: adminToken,
	}
}

type handlers struct {
	service    *optm.Service
	vary       *vary.Resolver
	prober     prober
	site       site
	redirect   string
	adminToken string
}

// admin only lets requests carrying the admin token through
// Without a configured token every operator request is refused
func (h *handlers) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		token := req.Header.Get(HeaderAdminToken)
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			log.Debugf("Refused operator request %s %s from %s", req.Method, req.URL.Path, remoteIP(req))
			http.Error(res, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(res, req)
	})
}

type artifactResponse struct {
	Output    string `json:"output"`
	Queued    bool   `json:"queued"`
	LazyStyle string `json:"lazy_style,omitempty"`
}

// CriticalHandler returns the critical css block of a page or queues it
func (h *handlers) CriticalHandler(res http.ResponseWriter, req *http.Request) {
	h.artifact(res, req, h.service.Critical)
}

// UnusedHandler returns the unused css stylesheet path of a page or queues it
func (h *handlers) UnusedHandler(res http.ResponseWriter, req *http.Request) {
	h.artifact(res, req, h.service.Unused)
}

func (h *handlers) artifact(res http.ResponseWriter, req *http.Request, load func(*optm.Page, *vary.Request) (*optm.Result, error)) {
	page, err := h.pageFromQuery(req)
	if err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	vreq := h.varyRequest(req)

	result, err := load(page, vreq)
	if errors.Cause(err) == optm.ErrNoPageKey {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Errorf("Failed to load artifact for %s: %s", page.URL, err)
		http.Error(res, "failed to load artifact", http.StatusInternalServerError)
		return
	}
	if result.Tag != "" {
		res.Header().Add(HeaderCacheTags, result.Tag)
	}
	h.writeControl(res, vreq)

	writeJSON(res, http.StatusOK, &artifactResponse{
		Output:    result.Output,
		Queued:    result.Output == "",
		LazyStyle: h.service.LazyStyle(),
	})
}

// CombinedHandler stores the combined stylesheet of a page, the source of its
// unused css
func (h *handlers) CombinedHandler(res http.ResponseWriter, req *http.Request) {
	page, err := h.pageFromQuery(req)
	if err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(res, req.Body, maxCombinedSize))
	if err != nil {
		http.Error(res, "failed to read stylesheet", http.StatusRequestEntityTooLarge)
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		http.Error(res, "stylesheet is empty", http.StatusBadRequest)
		return
	}

	digest, err := h.service.PutCombined(page, h.varyRequest(req), string(body))
	if errors.Cause(err) == optm.ErrNoPageKey {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Errorf("Failed to store combined css of %s: %s", page.URL, err)
		http.Error(res, "failed to store stylesheet", http.StatusInternalServerError)
		return
	}
	writeJSON(res, http.StatusOK, map[string]string{"digest": digest})
}

// GuestVaryHandler moves a visitor off the guest variant once it is known
// whether they need their own
func (h *handlers) GuestVaryHandler(res http.ResponseWriter, req *http.Request) {
	vreq := h.varyRequest(req)
	vreq.GuestUpdate = true
	vreq.Guest = false

	reload := "no"
	if !vary.AlwaysGuest(vreq.UserAgent, vreq.RemoteIP) {
		want := h.vary.Resolve(vreq)
		if want != vreq.Cookie(h.vary.VaryName()) {
			http.SetCookie(res, &http.Cookie{
				Name:     h.vary.VaryName(),
				Value:    want,
				Path:     "/",
				HttpOnly: true,
			})
			reload = "yes"
		}
	}
	h.writeControl(res, vreq)
	res.Header().Set("Cache-Control", "no-cache")

	writeJSON(res, http.StatusOK, map[string]string{"reload": reload})
}

// ActionHandler runs an operator action and redirects back
func (h *handlers) ActionHandler(res http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["type"]
	err := h.service.Action(req.Context(), name)
	if err != nil {
		if errors.Cause(err) == optm.ErrUnknownAction {
			http.Error(res, err.Error(), http.StatusNotFound)
			return
		}
		log.Errorf("Action %s failed: %s", name, err)
		http.Error(res, "action failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(res, req, h.redirect, http.StatusSeeOther)
}

// ClearHandler removes all artifacts and resets the queues
func (h *handlers) ClearHandler(res http.ResponseWriter, req *http.Request) {
	err := h.service.ClearFolders()
	if err != nil {
		log.Error(err)
		http.Error(res, "failed to clear artifacts", http.StatusInternalServerError)
		return
	}
	res.WriteHeader(http.StatusNoContent)
}

// ProbeHandler sends a page to the generation service without storing the result
func (h *handlers) ProbeHandler(res http.ResponseWriter, req *http.Request) {
	pageURL := req.URL.Query().Get("url")
	if pageURL == "" {
		http.Error(res, "url is required", http.StatusBadRequest)
		return
	}
	if _, err := h.site.ResolvePage(pageURL); err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.prober.Probe(req.Context(), pageURL, req.UserAgent())
	if err != nil {
		log.Errorf("Probe of %s failed: %s", pageURL, err)
		http.Error(res, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(res, http.StatusOK, result)
}

// NoticesHandler returns and clears the pending administrative notices
func (h *handlers) NoticesHandler(res http.ResponseWriter, req *http.Request) {
	notices := h.service.Board().Drain()
	if notices == nil {
		notices = []optm.Notice{}
	}
	writeJSON(res, http.StatusOK, notices)
}

// StatusHandler reports the artifact tree and queue state
func (h *handlers) StatusHandler(res http.ResponseWriter, req *http.Request) {
	writeJSON(res, http.StatusOK, h.service.Status())
}

// varyRequest maps the identity headers and cookies of req
func (h *handlers) varyRequest(req *http.Request) *vary.Request {
	vreq := &vary.Request{
		Session: vary.Session{
			Role:     req.Header.Get(HeaderUserRole),
			AdminBar: req.Header.Get(HeaderAdminBar),
		},
		Cookies:        map[string]string{},
		Action:         req.URL.Query().Get(fetch.CtrlParam) != "",
		Ajax:           strings.EqualFold(req.Header.Get("X-Requested-With"), "XMLHttpRequest"),
		PasswordCookie: req.Header.Get(HeaderPasswordCookie),
		EnvVary:        req.Header.Get(HeaderEnvVary),
		UserAgent:      req.UserAgent(),
		RemoteIP:       remoteIP(req),
	}
	if id := req.Header.Get(HeaderUserID); id != "" {
		uid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			log.Debugf("Ignored invalid user id %q", id)
		} else {
			vreq.Session.UserID = uid
		}
	}
	for _, c := range req.Cookies() {
		vreq.Cookies[c.Name] = c.Value
	}
	if h.vary.IsGuest(vreq) || vary.AlwaysGuest(vreq.UserAgent, vreq.RemoteIP) {
		vreq.Guest = true
	}

	return vreq
}

func (h *handlers) writeControl(res http.ResponseWriter, vreq *vary.Request) {
	if v := h.vary.Header(vreq); v != "" {
		res.Header().Set(HeaderVary, v)
	}
	if noCache, _ := vreq.Control.NoCache(); noCache {
		res.Header().Set("Cache-Control", "no-cache")
	}
}

func (h *handlers) pageFromQuery(req *http.Request) (*optm.Page, error) {
	q := req.URL.Query()
	page := &optm.Page{
		URL:  q.Get("url"),
		Type: q.Get("type"),
	}
	if page.URL == "" {
		return nil, errors.New("url is required")
	}
	_, err := h.site.ResolvePage(page.URL)
	if err != nil {
		return nil, err
	}
	if v := q.Get("notfound"); v != "" {
		page.NotFound, err = strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid notfound")
		}
	}
	if v := q.Get("mobile"); v != "" {
		page.Mobile, err = strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid mobile")
		}
	}
	return page, nil
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(res http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Failed to encode response: %s", err)
		http.Error(res, "failed to encode response", http.StatusInternalServerError)
		return
	}
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	res.Write(data)
}
