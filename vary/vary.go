// Package vary derives the cache variant fingerprint of a request.
//
// A fingerprint is built from independent dimensions (guest mode, login
// state, role group, admin bar preference and any contributed dimension),
// rendered in a canonical sorted form and digested with a keyed BLAKE3 hash so
// clients cannot read role or identity information out of it.
package vary

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// NoVary is the fingerprint of a request without any distinguishing state
const NoVary = ""

const (
	// DefaultVaryName is the cookie carrying the default vary of a visitor
	DefaultVaryName = "_lscache_vary"
	// AdminGroup is the vary group of administrators without explicit group
	AdminGroup = 99

	dimSeparator = ";"
	digestSize   = 16
)

// Dimensions holds the fingerprint dimensions of a request by name
type Dimensions map[string]string

// Contributor adds or removes fingerprint dimensions for a request
type Contributor func(req *Request, dims Dimensions)

// Config represents the resolver settings
type Config struct {
	// Secret keys the fingerprint digest
	Secret string
	// Debug returns fingerprints in clear text
	Debug bool
	// GuestMode serves first time visitors one shared variant
	GuestMode bool
	// VaryName is the default vary cookie name
	VaryName string
	// VaryGroups maps roles to vary group numbers
	VaryGroups map[string]int
	// VaryCookies lists extra cookies whose values split the cache
	VaryCookies []string
	// Contributors add externally owned dimensions
	Contributors []Contributor
}

// New returns a resolver for the given settings
func New(c *Config) (*Resolver, error) {
	if c == nil {
		return nil, errors.New("no vary config provided")
	}
	if c.Secret == "" && !c.Debug {
		return nil, errors.New("vary secret is empty")
	}
	name := c.VaryName
	if name == "" {
		name = DefaultVaryName
	}
	key := blake3.Sum256([]byte(c.Secret))

	return &Resolver{
		c:        c,
		key:      key,
		varyName: name,
	}, nil
}

// Resolver computes request fingerprints
type Resolver struct {
	c        *Config
	key      [32]byte
	varyName string
}

// VaryName returns the default vary cookie name
func (r *Resolver) VaryName() string {
	return r.varyName
}

// Resolve returns the default fingerprint of the request session
func (r *Resolver) Resolve(req *Request) string {
	if req.memo.defaultDone {
		return req.memo.defaultVary
	}
	v := r.resolve(req, req.Session)
	req.memo.defaultVary, req.memo.defaultDone = v, true
	return v
}

func (r *Resolver) resolve(req *Request, s Session) string {
	if req.Guest {
		return NoVary
	}

	dims := Dimensions{}
	if r.c.GuestMode {
		dims["guest_mode"] = "1"
	}

	if s.UserID > 0 && s.Role != "" {
		dims["logged-in"] = "1"
		if group := r.group(s.Role); group != 0 {
			dims["role"] = strconv.Itoa(group)
		}
		if s.AdminBar == "" || s.AdminBar == "true" {
			dims["admin_bar"] = "1"
		}
	} else {
		log.Debug("role id: failed, guest")
	}

	for _, fn := range r.c.Contributors {
		fn(req, dims)
	}

	if len(dims) == 0 {
		return NoVary
	}

	rendered := dims.String()
	if r.c.Debug {
		return rendered
	}
	return r.digest(rendered)
}

// group returns the vary group of a role
func (r *Resolver) group(role string) int {
	if g, ok := r.c.VaryGroups[role]; ok {
		if g != 0 {
			log.Debugf("role in vary group [group] %d", g)
		}
		return g
	}
	if role == "administrator" {
		return AdminGroup
	}
	return 0
}

// digest hides the rendered dimensions behind a keyed hash
func (r *Resolver) digest(rendered string) string {
	h, err := blake3.NewKeyed(r.key[:])
	if err != nil {
		// The key is always 32 bytes
		panic("vary: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(rendered))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:digestSize])
}

// String renders the dimensions sorted by name as name:value pairs
func (d Dimensions) String() string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + ":" + d[k]
	}
	return strings.Join(parts, dimSeparator)
}
