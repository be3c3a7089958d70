package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestSummary(t *testing.T) *Summary {
	s, err := LoadSummary(filepath.Join(t.TempDir(), "summary.json"))
	require.NoError(t, err)
	return s
}

func testJob(t ArtifactType, url string) *Job {
	return &Job{
		QueueKey:  QueueKey("", url),
		PageKey:   url,
		URL:       url,
		UserAgent: "Mozilla/5.0",
		Type:      t,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	s := newTestSummary(t)

	job := testJob(Critical, "/a")
	assert.NoError(s.Enqueue(job))
	job.UserAgent = "other"
	assert.NoError(s.Enqueue(job))

	jobs := s.Jobs(Critical)
	assert.Len(jobs, 1)
	assert.Equal("other", jobs[0].UserAgent)
	assert.Equal(0, s.Pending(Unused))
}

func TestEnqueueOverwriteKeepsPosition(t *testing.T) {
	assert := assert.New(t)
	s := newTestSummary(t)

	for _, u := range []string{"/a", "/b", "/c"} {
		assert.NoError(s.Enqueue(testJob(Critical, u)))
	}
	assert.NoError(s.Enqueue(testJob(Critical, "/a")))

	jobs := s.Jobs(Critical)
	assert.Len(jobs, 3)
	assert.Equal("/a", jobs[0].URL)
	assert.Equal("/c", jobs[2].URL)
}

func TestEnqueueRejectsCombined(t *testing.T) {
	s := newTestSummary(t)
	err := s.Enqueue(testJob(Combined, "/a"))
	assert.Error(t, err)
}

func TestDequeueMovesToHistory(t *testing.T) {
	assert := assert.New(t)
	s := newTestSummary(t)

	job := testJob(Unused, "/a")
	assert.NoError(s.Enqueue(job))
	popped, err := s.Dequeue(Unused, job.QueueKey)
	assert.NoError(err)
	assert.Equal("/a", popped.URL)
	assert.Equal(0, s.Pending(Unused))

	lane := s.Lane(Unused)
	assert.Equal([]HistoryEntry{{QueueKey: job.QueueKey, URL: "/a"}}, lane.History)

	_, err = s.Dequeue(Unused, job.QueueKey)
	assert.Equal(ErrJobNotFound, err)
}

func TestHistoryIsBounded(t *testing.T) {
	assert := assert.New(t)
	s := newTestSummary(t)

	for i := 0; i < 25; i++ {
		job := testJob(Critical, fmt.Sprintf("/p%d", i))
		assert.NoError(s.Enqueue(job))
		_, err := s.Dequeue(Critical, job.QueueKey)
		assert.NoError(err)
		assert.LessOrEqual(len(s.Lane(Critical).History), HistoryLimit)
	}

	history := s.Lane(Critical).History
	assert.Len(history, HistoryLimit)
	assert.Equal("/p15", history[0].URL)
	assert.Equal("/p24", history[HistoryLimit-1].URL)
}

func TestSummaryPersists(t *testing.T) {
	assert := assert.New(t)
	file := filepath.Join(t.TempDir(), "summary.json")
	s, err := LoadSummary(file)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	assert.NoError(s.Enqueue(testJob(Critical, "/a")))
	assert.NoError(s.MarkInFlight(Critical, start))

	reloaded, err := LoadSummary(file)
	require.NoError(t, err)
	assert.Len(reloaded.Jobs(Critical), 1)
	assert.Equal(start.Unix(), reloaded.Lane(Critical).InFlightSince.Unix())

	assert.NoError(reloaded.Complete(Critical, start.Add(42*time.Second)))
	reloaded, err = LoadSummary(file)
	require.NoError(t, err)
	lane := reloaded.Lane(Critical)
	assert.True(lane.InFlightSince.IsZero())
	assert.Equal(int64(42), lane.LastDuration)
	assert.Equal(start.Add(42*time.Second).Unix(), lane.LastCompletedAt.Unix())
}

func TestClearQueue(t *testing.T) {
	assert := assert.New(t)
	s := newTestSummary(t)

	cleared, err := s.ClearQueue(Unused)
	assert.NoError(err)
	assert.False(cleared)

	assert.NoError(s.Enqueue(testJob(Unused, "/a")))
	cleared, err = s.ClearQueue(Unused)
	assert.NoError(err)
	assert.True(cleared)
	assert.Equal(0, s.Pending(Unused))
}

func TestQueueKey(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(" /a", QueueKey("", "/a"))
	assert.Equal("abc /a", QueueKey("abc", "/a"))

	long := "0123456789abcdef0123456789abcdef-extra"
	key := QueueKey(long, "/a")
	assert.Equal(Digest([]byte(long))+" /a", key)
	assert.Len(Digest([]byte(long)), 32)
}

func TestTag(t *testing.T) {
	assert := assert.New(t)
	tag := Tag(Critical, "abc /a")
	assert.Equal("CCSS."+Digest([]byte("abc /a")), tag)
	assert.NotEqual(tag, Tag(Critical, "abc /b"))
	assert.Equal("UCSS.", Tag(Unused, "x")[:5])
}
