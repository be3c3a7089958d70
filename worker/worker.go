// Package worker drains the generation queues.
//
// A drain pops queued jobs, renders a guest copy of each page, gathers the
// css input, asks the generation service for the artifact and commits the
// result to the content store. Drains are bounded: a one-shot drain handles a
// single job and is skipped while a previous request may still be
// outstanding, a continuing drain handles a small batch and hands the rest of
// the queue to a Scheduler.
package worker

import (
	"context"
	"strings"
	"time"

	"github.com/chrisvdg/cssoptm/cache"
	"github.com/chrisvdg/cssoptm/cloud"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCooldown is how long an in-flight request blocks one-shot drains
	DefaultCooldown = 300 * time.Second
	// DefaultBatchSize is the number of jobs handled by one continuing drain
	DefaultBatchSize = 4
	// DefaultBudget bounds the time spent on one job
	DefaultBudget = 120 * time.Second
	// QuotaNotice is reported when the service has no quota left
	QuotaNotice = "lack_of_quota"
)

// Generator is the generation service
type Generator interface {
	Generate(ctx context.Context, req *cloud.Request) (cloud.Response, error)
	Probe(ctx context.Context, req *cloud.Request) (cloud.Response, error)
	Allowance(ctx context.Context) (bool, error)
}

// Fetcher renders a guest copy of a page
type Fetcher interface {
	FetchRendered(ctx context.Context, pageURL, userAgent string, userID int64) (string, error)
}

// Extractor gathers stylesheets from markup
type Extractor interface {
	Extract(ctx context.Context, markup string, dryRun bool) (string, string)
	PrepareHTML(markup string) string
}

// Purger receives invalidation tags
type Purger interface {
	Purge(tag string)
}

// Notifier surfaces administrative notices
type Notifier interface {
	Error(msg string)
}

// Config represents the worker policy and hooks
type Config struct {
	// Cooldown is how long an in-flight request blocks one-shot drains
	Cooldown time.Duration
	// BatchSize is the number of jobs handled by one continuing drain
	BatchSize int
	// Budget bounds the time spent on one job
	Budget time.Duration
	// Debug disables the cooldown check
	Debug bool
	// Whitelist returns selectors the unused css generation must keep
	Whitelist func() []string
	// Filter post-processes generated css before it is stored
	Filter func(t cache.ArtifactType, css, queueKey string) string
}

// Deps holds the collaborators of a worker
type Deps struct {
	Cache     *cache.Cache
	Generator Generator
	Fetcher   Fetcher
	Extractor Extractor
	Purger    Purger
	Notifier  Notifier
	Scheduler Scheduler
}

// New returns a worker
func New(c *Config, d *Deps) (*Worker, error) {
	if d.Cache == nil || d.Generator == nil || d.Fetcher == nil || d.Extractor == nil {
		return nil, errors.New("worker dependencies missing")
	}
	w := &Worker{
		c:     *c,
		cache: d.Cache,
		gen:   d.Generator,
		fetch: d.Fetcher,
		ext:   d.Extractor,
		purge: d.Purger,
		note:  d.Notifier,
		sched: d.Scheduler,
		now:   time.Now,
	}
	if w.c.Cooldown == 0 {
		w.c.Cooldown = DefaultCooldown
	}
	if w.c.BatchSize <= 0 {
		w.c.BatchSize = DefaultBatchSize
	}
	if w.c.Budget == 0 {
		w.c.Budget = DefaultBudget
	}
	if w.c.Filter == nil {
		w.c.Filter = func(_ cache.ArtifactType, css, _ string) string { return css }
	}
	if w.purge == nil {
		w.purge = LogPurger{}
	}
	if w.note == nil {
		w.note = LogNotifier{}
	}
	if w.sched == nil {
		w.sched = noScheduler{}
	}

	return w, nil
}

// Worker drains generation queues
type Worker struct {
	c     Config
	cache *cache.Cache
	gen   Generator
	fetch Fetcher
	ext   Extractor
	purge Purger
	note  Notifier
	sched Scheduler
	now   func() time.Time
}

// Drain processes the queue of t
// Without allowContinue only the first job is handled, and nothing is done
// while the previous request is younger than the cooldown
// With allowContinue at most BatchSize jobs are handled before the rest is
// handed to the scheduler
func (w *Worker) Drain(ctx context.Context, t cache.ArtifactType, allowContinue bool) error {
	if !t.Queued() {
		return errors.Wrapf(cache.ErrNoQueue, "type %s", t)
	}
	jobs := w.cache.Summary.Jobs(t)
	if len(jobs) == 0 {
		return nil
	}

	if !allowContinue && !w.c.Debug {
		lane := w.cache.Summary.Lane(t)
		if !lane.InFlightSince.IsZero() && w.now().Sub(lane.InFlightSince.Time()) < w.c.Cooldown {
			log.Debugf("[%s] Last request not done", t)
			drainSkips.WithLabelValues(string(t)).Inc()
			return nil
		}
	}
	drains.WithLabelValues(string(t)).Inc()
	defer func() {
		queueLength.WithLabelValues(string(t)).Set(float64(w.cache.Summary.Pending(t)))
	}()

	i := 0
	for _, job := range jobs {
		ok, err := w.gen.Allowance(ctx)
		if err != nil {
			log.Errorf("[%s] Failed to check allowance: %s", t, err)
			return nil
		}
		if !ok {
			log.Debugf("[%s] No credit", t)
			w.note.Error(QuotaNotice)
			return nil
		}

		popped, err := w.cache.Summary.Dequeue(t, job.QueueKey)
		if err != nil {
			if errors.Cause(err) == cache.ErrJobNotFound {
				continue
			}
			return err
		}
		mobile := ""
		if popped.IsMobile {
			mobile = " mobile"
		}
		log.Debugf("[%s] cron job [tag] %s [url] %s%s [UA] %s", t, popped.QueueKey, popped.URL, mobile, popped.UserAgent)

		if popped.PageKey == "" || popped.URL == "" {
			log.Debugf("[%s] wrong queue format", t)
			jobsTotal.WithLabelValues(string(t), "invalid").Inc()
			continue
		}

		i++
		generated, err := w.generate(ctx, t, popped)
		if err != nil {
			log.Errorf("[%s] Failed to generate %s: %s", t, popped.URL, err)
		}
		if generated {
			jobsTotal.WithLabelValues(string(t), "generated").Inc()
			w.purge.Purge(cache.Tag(t, popped.QueueKey))
		} else {
			jobsTotal.WithLabelValues(string(t), "failed").Inc()
		}

		if !allowContinue {
			return nil
		}
		if w.MaybeContinue(i, t) {
			return nil
		}
	}

	return nil
}

// Continue drains t in continuing mode, it is the entry point of scheduled
// continuations
func (w *Worker) Continue(ctx context.Context, t cache.ArtifactType) error {
	return w.Drain(ctx, t, true)
}

// generate produces the artifact of one job and reports whether it was stored
// An error is only returned when the store or summary could not be written
func (w *Worker) generate(ctx context.Context, t cache.ArtifactType, job *cache.Job) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.c.Budget)
	defer cancel()

	err := w.cache.Summary.MarkInFlight(t, w.now())
	if err != nil {
		return false, err
	}

	markup, err := w.fetch.FetchRendered(ctx, job.URL, job.UserAgent, job.UserID)
	if err != nil {
		log.Debugf("[%s] Failed to render %s: %s", t, job.URL, err)
		return false, nil
	}
	if markup == "" {
		return false, nil
	}
	markup = w.ext.PrepareHTML(markup)

	var css string
	if t == cache.Critical {
		css, markup = w.ext.Extract(ctx, markup, false)
	} else {
		// Unused css is generated from the combined stylesheet, the page css
		// only needs to be dropped from the markup
		_, markup = w.ext.Extract(ctx, markup, true)
		css, _, err = w.cache.Store.Get(job.PageKey, job.Vary, cache.Combined)
		if err != nil {
			log.Debugf("[%s] Failed to read combined css: %s", t, err)
			return false, nil
		}
	}
	if css == "" {
		log.Debugf("[%s] no combined css", t)
		return false, nil
	}

	kind := serviceType(t)
	req := &cloud.Request{
		Type:          kind,
		URL:           job.URL,
		CorrelationID: job.QueueKey,
		UserAgent:     job.UserAgent,
		HTML:          markup,
		CSS:           css,
	}
	if job.IsMobile {
		req.IsMobile = 1
	}
	if t == cache.Unused {
		req.Whitelist = w.whitelist()
	}

	resp, err := w.gen.Generate(ctx, req)
	if err != nil {
		log.Debugf("[%s] Generation request failed: %s", t, err)
		return false, nil
	}
	raw, ok := resp.CSS(kind)
	if !ok {
		log.Debugf("[%s] empty %s", t, kind)
		return false, nil
	}

	out := w.c.Filter(t, raw, job.QueueKey)
	if isEmptyContent(out) {
		log.Debugf("[%s] empty %s [content] %s", t, kind, out)
		return false, nil
	}

	_, err = w.cache.Store.Put(t, job.PageKey, job.Vary, out)
	if err != nil {
		return false, errors.Wrap(err, "failed to store artifact")
	}
	err = w.cache.Summary.Complete(t, w.now())
	if err != nil {
		return false, errors.Wrap(err, "failed to complete request")
	}
	lane := w.cache.Summary.Lane(t)
	lastDuration.WithLabelValues(string(t)).Set(float64(lane.LastDuration))

	return true, nil
}

// whitelist returns the selectors to keep, commented out entries are dropped
func (w *Worker) whitelist() []string {
	if w.c.Whitelist == nil {
		return nil
	}
	var out []string
	for _, v := range w.c.Whitelist() {
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(v, "//") {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Probe renders pageURL and sends it for critical css generation with the
// diagnostic timeout, the result is not stored
func (w *Worker) Probe(ctx context.Context, pageURL, userAgent string) (cloud.Response, error) {
	markup, err := w.fetch.FetchRendered(ctx, pageURL, userAgent, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render page")
	}
	css, markup := w.ext.Extract(ctx, w.ext.PrepareHTML(markup), false)

	return w.gen.Probe(ctx, &cloud.Request{
		Type:          cloud.TypeCritical,
		URL:           pageURL,
		CorrelationID: "test",
		UserAgent:     userAgent,
		HTML:          markup,
		CSS:           css,
	})
}

// Cron drains every queue in one-shot mode at each interval
func (w *Worker) Cron(quit <-chan struct{}, interval time.Duration) {
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	for {
		select {
		case <-ticker.C:
			for _, t := range cache.QueueTypes {
				if err := w.Drain(context.Background(), t, false); err != nil {
					log.Errorf("[%s] Drain failed: %s", t, err)
				}
			}
		case <-quit:
			ticker.Stop()
			return
		}
	}
}

func serviceType(t cache.ArtifactType) string {
	if t == cache.Unused {
		return cloud.TypeUnused
	}
	return cloud.TypeCritical
}

// isEmptyContent reports whether css is blank or a lone comment, the service
// answer for pages without usable styles
func isEmptyContent(css string) bool {
	css = strings.TrimSpace(css)
	if css == "" {
		return true
	}
	return strings.HasPrefix(css, "/*") && strings.HasSuffix(css, "*/")
}

// LogPurger logs invalidation tags
type LogPurger struct{}

// Purge logs the tag
func (LogPurger) Purge(tag string) {
	log.Debugf("Purge tag %s", tag)
}

// LogNotifier logs administrative notices
type LogNotifier struct{}

// Error logs the notice
func (LogNotifier) Error(msg string) {
	log.Warnf("Notice: %s", msg)
}
