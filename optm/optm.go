// Package optm serves critical and unused css to page renders.
//
// A page render asks for the artifact of its page key and full vary
// fingerprint. A stored artifact is returned directly, otherwise a job is
// queued for the worker and the render gets the invalidation tag that will be
// purged once the artifact exists.
package optm

import (
	"context"
	"strings"

	"github.com/chrisvdg/cssoptm/cache"
	"github.com/chrisvdg/cssoptm/vary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// NotFoundKey is the page key shared by all not found pages
	NotFoundKey = "404"
	// CriticalStyleID is the id of the critical css style element
	CriticalStyleID = "css-critical-rules"

	maxUserAgent = 200
)

// Operator actions
const (
	ActionGenCritical   = "gen_ccss"
	ActionGenUnused     = "gen_ucss"
	ActionClearCritical = "clear_q_ccss"
	ActionClearUnused   = "clear_q_ucss"
)

var (
	// ErrUnknownAction represents an operator action that does not exist
	ErrUnknownAction = errors.New("unknown action")
	// ErrNoPageKey is returned when a page resolves to an empty page key
	ErrNoPageKey = errors.New("page has no page key")
)

// Page describes the page being rendered
type Page struct {
	// URL is the canonical page URL
	URL string
	// NotFound is set for the not found page
	NotFound bool
	// Type is the page type, used as page key for critical css when per URL
	// generation is off
	Type string
	// Mobile is set when the visitor uses a mobile device
	Mobile bool
}

// Result holds the outcome of an artifact lookup
// Output is empty when the artifact was queued, Tag is set in that case
type Result struct {
	Output string
	Tag    string
}

// Drainer runs a queue drain
type Drainer interface {
	Drain(ctx context.Context, t cache.ArtifactType, allowContinue bool) error
}

// Config represents the page level settings
type Config struct {
	// PerURL generates critical css per URL instead of per page type
	PerURL bool
	// CacheMobile keeps separate artifacts for mobile visitors
	CacheMobile bool
	// CriticalAppend is appended to every critical css block
	CriticalAppend string
	// LazySelectors are rendered lazily with content-visibility
	LazySelectors []string
}

// New returns a page service
func New(c *Config, ch *cache.Cache, r *vary.Resolver, d Drainer, b *Board) *Service {
	if b == nil {
		b = NewBoard()
	}
	return &Service{
		c:     *c,
		cache: ch,
		vary:  r,
		drain: d,
		board: b,
	}
}

// Service serves artifacts and operator actions
type Service struct {
	c     Config
	cache *cache.Cache
	vary  *vary.Resolver
	drain Drainer
	board *Board
}

// Board returns the notice board of the service
func (s *Service) Board() *Board {
	return s.board
}

// Critical returns the critical css style block of the page
// A page without type is rejected unless critical css is generated per URL
func (s *Service) Critical(page *Page, req *vary.Request) (*Result, error) {
	res, err := s.load(cache.Critical, s.criticalKey(page), page, req)
	if err != nil || res.Output == "" {
		return res, err
	}
	res.Output = `<style id="` + CriticalStyleID + `">` + res.Output + s.c.CriticalAppend + `</style>`
	return res, nil
}

// Unused returns the public path of the unused css stylesheet of the page
func (s *Service) Unused(page *Page, req *vary.Request) (*Result, error) {
	return s.load(cache.Unused, unusedKey(page), page, req)
}

// PutCombined stores the combined stylesheet of the page for the request
// fingerprint, unused css of the page is generated from it
func (s *Service) PutCombined(page *Page, req *vary.Request, css string) (string, error) {
	key := unusedKey(page)
	if key == "" {
		return "", errors.Wrapf(ErrNoPageKey, "url %q", page.URL)
	}
	digest, err := s.cache.Store.Put(cache.Combined, key, s.vary.ResolveFull(req), css)
	if err != nil {
		return "", errors.Wrap(err, "failed to store combined css")
	}
	return digest, nil
}

func unusedKey(page *Page) string {
	if page.NotFound {
		return NotFoundKey
	}
	return page.URL
}

func (s *Service) load(t cache.ArtifactType, pageKey string, page *Page, req *vary.Request) (*Result, error) {
	if pageKey == "" {
		return nil, errors.Wrapf(ErrNoPageKey, "%s of %q", t, page.URL)
	}
	v := s.vary.ResolveFull(req)

	var (
		out string
		ok  bool
		err error
	)
	if t == cache.Unused {
		out, ok, err = s.cache.Store.Path(pageKey, v, t)
	} else {
		out, ok, err = s.cache.Store.Get(pageKey, v, t)
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return &Result{Output: out}, nil
	}

	job := &cache.Job{
		QueueKey:  cache.QueueKey(v, pageKey),
		PageKey:   pageKey,
		URL:       page.URL,
		UserID:    req.Session.UserID,
		UserAgent: truncate(req.UserAgent, maxUserAgent),
		IsMobile:  page.Mobile && s.c.CacheMobile,
		Vary:      v,
		Type:      t,
	}
	err = s.cache.Summary.Enqueue(job)
	if err != nil {
		return nil, errors.Wrap(err, "failed to queue job")
	}

	return &Result{Tag: cache.Tag(t, job.QueueKey)}, nil
}

// criticalKey returns the page key of the critical css of page
func (s *Service) criticalKey(page *Page) string {
	if page.NotFound {
		return NotFoundKey
	}
	if s.c.PerURL {
		return page.URL
	}
	return page.Type
}

// LazyStyle returns the style block rendering the lazy selectors with
// content-visibility, empty when none are configured
func (s *Service) LazyStyle() string {
	if len(s.c.LazySelectors) == 0 {
		return ""
	}
	return "<style>" + strings.Join(s.c.LazySelectors, ",") +
		"{content-visibility:auto;contain-intrinsic-size:1px 1000px;}</style>"
}

// Action runs an operator action
func (s *Service) Action(ctx context.Context, name string) error {
	switch name {
	case ActionGenCritical:
		return s.drain.Drain(ctx, cache.Critical, true)
	case ActionGenUnused:
		return s.drain.Drain(ctx, cache.Unused, true)
	case ActionClearCritical:
		return s.clearQueue(cache.Critical)
	case ActionClearUnused:
		return s.clearQueue(cache.Unused)
	default:
		return errors.Wrapf(ErrUnknownAction, "action %q", name)
	}
}

func (s *Service) clearQueue(t cache.ArtifactType) error {
	cleared, err := s.cache.Summary.ClearQueue(t)
	if err != nil {
		return err
	}
	if cleared {
		log.Debugf("Cleared %s queue", t)
		s.board.Succeed("Queue cleared successfully.")
	}
	return nil
}

// ClearFolders removes every critical and unused artifact and resets the
// queues
func (s *Service) ClearFolders() error {
	err := s.cache.ClearAll()
	if err != nil {
		return errors.Wrap(err, "failed to clear artifacts")
	}
	log.Debug("Cleared ccss/ucss queue")
	return nil
}

// Pending returns the number of queued jobs of t
func (s *Service) Pending(t cache.ArtifactType) int {
	return s.cache.Summary.Pending(t)
}

// HasFolders reports whether any artifact folder exists
func (s *Service) HasFolders() bool {
	return s.cache.Store.HasFolders()
}

// Status summarizes the artifact tree and the queues
type Status struct {
	HasFolders bool           `json:"has_folders"`
	Pending    map[string]int `json:"pending"`
}

// Status returns the current status
func (s *Service) Status() *Status {
	st := &Status{
		HasFolders: s.HasFolders(),
		Pending:    map[string]int{},
	}
	for _, t := range cache.QueueTypes {
		st.Pending[string(t)] = s.Pending(t)
	}
	return st
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
