package vary

import (
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Session represents the authenticated identity of a request
type Session struct {
	// UserID is zero for anonymous visitors
	UserID int64
	// Role is the primary role of the user
	Role string
	// AdminBar is the stored admin bar preference, empty when never set
	AdminBar string
}

// Control collects caching directives decided while resolving a request
type Control struct {
	noCache bool
	reason  string
}

// SetNoCache marks the response as not cacheable
func (c *Control) SetNoCache(reason string) {
	if !c.noCache {
		log.Debugf("X Cache_control -> no-cache [reason] %s", reason)
	}
	c.noCache = true
	c.reason = reason
}

// NoCache reports whether the response must not be cached and why
func (c *Control) NoCache() (bool, string) {
	return c.noCache, c.reason
}

// Request represents the vary relevant state of one request
type Request struct {
	Session Session
	// Guest marks a request served as the shared guest variant
	Guest bool
	// Cookies holds the request cookies by name
	Cookies map[string]string
	// Action marks a request carrying an admin action query
	Action bool
	// Ajax marks a background request
	Ajax bool
	// Cron marks a scheduled request
	Cron bool
	// GuestUpdate marks the request asking to update the guest vary
	GuestUpdate bool
	// PasswordCookie is the unlock cookie name of a password protected page,
	// empty when the page is not protected
	PasswordCookie string
	// EnvVary is the vary value supplied by the edge layer
	EnvVary string
	UserAgent string
	RemoteIP  string

	Control Control

	memo struct {
		defaultVary string
		defaultDone bool
		fullVary    string
		fullDone    bool
	}
}

// Cookie returns the value of a request cookie
func (req *Request) Cookie(name string) string {
	if req.Cookies == nil {
		return ""
	}
	return req.Cookies[name]
}

// ResolveFull returns the fingerprint used to key generated artifacts
// It is made of the current vary cookie values, the default fingerprint and
// the environment vary value
func (r *Resolver) ResolveFull(req *Request) string {
	if req.memo.fullDone {
		return req.memo.fullVary
	}
	v := r.cookieValues(req) + r.Resolve(req) + req.EnvVary
	req.memo.fullVary, req.memo.fullDone = v, true
	return v
}

// curCookies returns the sorted names of the vary cookies of the request
// A visitor holding the unlock cookie of a password protected page is never
// cached, ok is false in that case
func (r *Resolver) curCookies(req *Request) (names []string, ok bool) {
	if req.PasswordCookie != "" {
		if req.Cookie(req.PasswordCookie) != "" {
			log.Debug("finalize bypassed due to password protected vary")
			req.Control.SetNoCache("password protected vary")
			return nil, false
		}
		names = append(names, req.PasswordCookie)
	}
	names = append(names, r.c.VaryCookies...)

	seen := map[string]struct{}{}
	uniq := names[:0]
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)

	return uniq, true
}

func (r *Resolver) cookieValues(req *Request) string {
	names, ok := r.curCookies(req)
	if !ok || len(names) == 0 {
		return ""
	}
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = req.Cookie(n)
	}
	data, err := json.Marshal(values)
	if err != nil {
		log.Errorf("Failed to encode vary cookie values: %s", err)
		return ""
	}
	return string(data)
}

// Header returns the vary cookie list for the edge layer, e.g.
// "cookie=a,cookie=b", or an empty string when nothing varies
func (r *Resolver) Header(req *Request) string {
	names, ok := r.curCookies(req)
	if !ok || len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "cookie=" + n
	}
	return strings.Join(parts, ",")
}
