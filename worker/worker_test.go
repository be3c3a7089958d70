package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrisvdg/cssoptm/cache"
	"github.com/chrisvdg/cssoptm/cloud"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1700000000, 0)

type fakeGenerator struct {
	resp      cloud.Response
	err       error
	noQuota   bool
	requests  []*cloud.Request
	allowance int
}

func (g *fakeGenerator) Generate(_ context.Context, req *cloud.Request) (cloud.Response, error) {
	g.requests = append(g.requests, req)
	return g.resp, g.err
}

func (g *fakeGenerator) Probe(ctx context.Context, req *cloud.Request) (cloud.Response, error) {
	return g.Generate(ctx, req)
}

func (g *fakeGenerator) Allowance(context.Context) (bool, error) {
	g.allowance++
	return !g.noQuota, nil
}

type fakeFetcher struct {
	markup string
	err    error
	urls   []string
}

func (f *fakeFetcher) FetchRendered(_ context.Context, pageURL, _ string, _ int64) (string, error) {
	f.urls = append(f.urls, pageURL)
	return f.markup, f.err
}

type fakeExtractor struct {
	css     string
	dryRuns int
}

func (e *fakeExtractor) Extract(_ context.Context, markup string, dryRun bool) (string, string) {
	if dryRun {
		e.dryRuns++
		return "", markup
	}
	return e.css, markup
}

func (e *fakeExtractor) PrepareHTML(markup string) string { return markup }

type recorder struct {
	tags      []string
	notices   []string
	scheduled []cache.ArtifactType
}

func (r *recorder) Purge(tag string)               { r.tags = append(r.tags, tag) }
func (r *recorder) Error(msg string)               { r.notices = append(r.notices, msg) }
func (r *recorder) Schedule(t cache.ArtifactType) { r.scheduled = append(r.scheduled, t) }

type testEnv struct {
	w   *Worker
	c   *cache.Cache
	gen *fakeGenerator
	f   *fakeFetcher
	ext *fakeExtractor
	rec *recorder
}

func newTestEnv(t *testing.T, conf *Config) *testEnv {
	dir := t.TempDir()
	c, err := cache.New(filepath.Join(dir, "summary.json"), filepath.Join(dir, "static"), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	env := &testEnv{
		c:   c,
		gen: &fakeGenerator{resp: cloud.Response{cloud.TypeCritical: ".x{color:red}"}},
		f:   &fakeFetcher{markup: "<html><body>a</body></html>"},
		ext: &fakeExtractor{css: ".x{color:red}.y{color:blue}"},
		rec: &recorder{},
	}
	if conf == nil {
		conf = &Config{}
	}
	w, err := New(conf, &Deps{
		Cache:     c,
		Generator: env.gen,
		Fetcher:   env.f,
		Extractor: env.ext,
		Purger:    env.rec,
		Notifier:  env.rec,
		Scheduler: env.rec,
	})
	require.NoError(t, err)
	w.now = func() time.Time { return fixedNow }
	env.w = w

	return env
}

func (env *testEnv) enqueue(t *testing.T, typ cache.ArtifactType, url, vary string) *cache.Job {
	job := &cache.Job{
		QueueKey:  cache.QueueKey(vary, url),
		PageKey:   url,
		URL:       url,
		UserAgent: "Mozilla/5.0",
		Vary:      vary,
		Type:      typ,
	}
	require.NoError(t, env.c.Summary.Enqueue(job))
	return job
}

func TestDrainGeneratesCritical(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	job := env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))

	css, ok, err := env.c.Store.Get("/a", "", cache.Critical)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(".x{color:red}", css)

	lane := env.c.Summary.Lane(cache.Critical)
	assert.Empty(lane.Queue)
	assert.Equal([]cache.HistoryEntry{{QueueKey: job.QueueKey, URL: "/a"}}, lane.History)
	assert.True(lane.InFlightSince.IsZero())
	assert.Equal(fixedNow.Unix(), lane.LastCompletedAt.Unix())
	assert.Equal([]string{cache.Tag(cache.Critical, job.QueueKey)}, env.rec.tags)

	require.Len(t, env.gen.requests, 1)
	req := env.gen.requests[0]
	assert.Equal(cloud.TypeCritical, req.Type)
	assert.Equal(job.QueueKey, req.CorrelationID)
	assert.Equal(".x{color:red}.y{color:blue}", req.CSS)
	assert.Equal(0, req.IsMobile)
	assert.Nil(req.Whitelist)
}

func TestDrainCommentOnlyResponse(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.gen.resp = cloud.Response{cloud.TypeCritical: " /* empty */ "}
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))

	_, ok, err := env.c.Store.Get("/a", "", cache.Critical)
	assert.NoError(err)
	assert.False(ok)
	assert.Empty(env.rec.tags)
	assert.Equal(0, env.c.Summary.Pending(cache.Critical))
}

func TestDrainFilterRunsBeforeEmptyCheck(t *testing.T) {
	assert := assert.New(t)
	var seen []string
	env := newTestEnv(t, &Config{
		Filter: func(typ cache.ArtifactType, css, key string) string {
			seen = append(seen, key)
			return "/* filtered */"
		},
	})
	job := env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Equal([]string{job.QueueKey}, seen)
	_, ok, _ := env.c.Store.Get("/a", "", cache.Critical)
	assert.False(ok)
}

func TestDrainBlankFilterResult(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, &Config{
		Filter: func(cache.ArtifactType, string, string) string { return " \n\t" },
	})
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	_, ok, err := env.c.Store.Get("/a", "", cache.Critical)
	assert.NoError(err)
	assert.False(ok)
	assert.False(env.c.Store.HasFolders())
	assert.Empty(env.rec.tags)
}

func TestDrainStorageFailure(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.enqueue(t, cache.Critical, "/a", "")

	// a file where the critical folder belongs makes every write fail
	require.NoError(t, os.MkdirAll(env.c.Store.Root(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.c.Store.Root(), string(cache.Critical)), []byte("x"), 0644))

	assert.NotPanics(func() {
		assert.NoError(env.w.Drain(context.Background(), cache.Critical, false))
	})

	_, ok, err := env.c.Store.Get("/a", "", cache.Critical)
	assert.NoError(err)
	assert.False(ok)
	lane := env.c.Summary.Lane(cache.Critical)
	assert.False(lane.InFlightSince.IsZero())
	assert.True(lane.LastCompletedAt.IsZero())
	assert.Empty(env.rec.tags)
	assert.Len(env.gen.requests, 1)
}

func TestDrainCooldown(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.enqueue(t, cache.Critical, "/a", "")
	require.NoError(t, env.c.Summary.MarkInFlight(cache.Critical, fixedNow.Add(-time.Minute)))

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Empty(env.gen.requests)
	assert.Equal(0, env.gen.allowance)
	assert.Equal(1, env.c.Summary.Pending(cache.Critical))

	// continuing drains ignore the in-flight marker
	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, true))
	assert.Len(env.gen.requests, 1)
}

func TestDrainCooldownExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	env.enqueue(t, cache.Critical, "/a", "")
	require.NoError(t, env.c.Summary.MarkInFlight(cache.Critical, fixedNow.Add(-DefaultCooldown)))

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Len(t, env.gen.requests, 1)
}

func TestDrainDebugSkipsCooldown(t *testing.T) {
	env := newTestEnv(t, &Config{Debug: true})
	env.enqueue(t, cache.Critical, "/a", "")
	require.NoError(t, env.c.Summary.MarkInFlight(cache.Critical, fixedNow))

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Len(t, env.gen.requests, 1)
}

func TestDrainOneShotHandlesOneJob(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.enqueue(t, cache.Critical, "/a", "")
	env.enqueue(t, cache.Critical, "/b", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Equal([]string{"/a"}, env.f.urls)
	assert.Equal(1, env.c.Summary.Pending(cache.Critical))
	assert.Empty(env.rec.scheduled)
}

func TestDrainContinuesAfterBatch(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	for _, url := range []string{"/1", "/2", "/3", "/4", "/5", "/6"} {
		env.enqueue(t, cache.Critical, url, "")
	}

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, true))
	assert.Equal([]string{"/1", "/2", "/3", "/4"}, env.f.urls)
	assert.Equal([]cache.ArtifactType{cache.Critical}, env.rec.scheduled)
	assert.Equal(2, env.c.Summary.Pending(cache.Critical))

	require.NoError(t, env.w.Continue(context.Background(), cache.Critical))
	assert.Len(env.f.urls, 6)
	assert.Len(env.rec.scheduled, 1)
	assert.Equal(0, env.c.Summary.Pending(cache.Critical))
}

func TestDrainNoQuotaKeepsJob(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.gen.noQuota = true
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Equal([]string{QuotaNotice}, env.rec.notices)
	assert.Empty(env.gen.requests)
	assert.Empty(env.f.urls)
	assert.Equal(1, env.c.Summary.Pending(cache.Critical))
}

func TestDrainSkipsMalformedJob(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	require.NoError(t, env.c.Summary.Enqueue(&cache.Job{QueueKey: "broken", Type: cache.Critical}))
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Equal([]string{"/a"}, env.f.urls)
	assert.Equal(0, env.c.Summary.Pending(cache.Critical))
}

func TestDrainFetchFailure(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.f.err = errors.New("connection refused")
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Empty(env.gen.requests)
	assert.Empty(env.rec.tags)
	assert.Equal(0, env.c.Summary.Pending(cache.Critical))
	assert.False(env.c.Summary.Lane(cache.Critical).InFlightSince.IsZero())
}

func TestDrainServiceFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.err = errors.New("timeout")
	env.enqueue(t, cache.Critical, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	_, ok, _ := env.c.Store.Get("/a", "", cache.Critical)
	assert.False(t, ok)
	assert.Empty(t, env.rec.tags)
}

func TestDrainUnusedWithoutCombinedCSS(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	env.enqueue(t, cache.Unused, "/a", "")

	require.NoError(t, env.w.Drain(context.Background(), cache.Unused, false))
	assert.Empty(env.gen.requests)
	assert.Equal(1, env.ext.dryRuns)
}

func TestDrainGeneratesUnused(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, &Config{
		Whitelist: func() []string { return []string{".keep", "// .old", "", "#menu"} },
	})
	env.gen.resp = cloud.Response{cloud.TypeUnused: ".kept{}"}
	_, err := env.c.Store.Put(cache.Combined, "/a", "v1", ".kept{}.dropped{}")
	require.NoError(t, err)
	job := env.enqueue(t, cache.Unused, "/a", "v1")
	job.IsMobile = true
	require.NoError(t, env.c.Summary.Enqueue(job))

	require.NoError(t, env.w.Drain(context.Background(), cache.Unused, false))

	require.Len(t, env.gen.requests, 1)
	req := env.gen.requests[0]
	assert.Equal(cloud.TypeUnused, req.Type)
	assert.Equal(".kept{}.dropped{}", req.CSS)
	assert.Equal([]string{".keep", "#menu"}, req.Whitelist)
	assert.Equal(1, req.IsMobile)

	css, ok, err := env.c.Store.Get("/a", "v1", cache.Unused)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(".kept{}", css)
	assert.Equal([]string{cache.Tag(cache.Unused, job.QueueKey)}, env.rec.tags)
}

func TestDrainEmptyQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.NoError(t, env.w.Drain(context.Background(), cache.Critical, false))
	assert.Equal(t, 0, env.gen.allowance)
}

func TestDrainRejectsCombined(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.w.Drain(context.Background(), cache.Combined, false)
	assert.Equal(t, cache.ErrNoQueue, errors.Cause(err))
}

func TestProbe(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)

	resp, err := env.w.Probe(context.Background(), "https://example.com/a", "Mozilla/5.0")
	assert.NoError(err)
	css, ok := resp.CSS(cloud.TypeCritical)
	assert.True(ok)
	assert.Equal(".x{color:red}", css)
	assert.Equal("test", env.gen.requests[0].CorrelationID)
	assert.Equal(0, env.c.Summary.Pending(cache.Critical))
}

func TestTrampolineRunsContinuations(t *testing.T) {
	assert := assert.New(t)
	tr := NewTrampoline()
	tr.Schedule(cache.Critical)
	tr.Schedule(cache.Unused)
	tr.Schedule(cache.Critical)
	tr.Schedule(cache.Unused)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var got []cache.ArtifactType
	go func() {
		tr.Run(ctx, func(_ context.Context, typ cache.ArtifactType) error {
			got = append(got, typ)
			if len(got) == 2 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("trampoline did not stop")
	}
	assert.Equal([]cache.ArtifactType{cache.Critical, cache.Unused}, got)
}
