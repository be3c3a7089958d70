package cache

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HistoryLimit is the number of popped jobs kept per artifact type
const HistoryLimit = 10

var (
	// ErrJobNotFound represents an error where a queued job was not found
	ErrJobNotFound = errors.New("queued job not found")
	// ErrNoQueue represents an artifact type without a generation queue
	ErrNoQueue = errors.New("artifact type has no queue")
)

// LoadSummary loads the request summary stored at filePath
// A missing file starts an empty summary
func LoadSummary(filePath string) (*Summary, error) {
	if filePath == "" {
		return nil, errors.New("summary file path is empty")
	}

	s := &Summary{
		filePath: filePath,
		lanes:    make(map[ArtifactType]*Lane, len(QueueTypes)),
		m:        &sync.Mutex{},
	}
	for _, t := range QueueTypes {
		s.lanes[t] = &Lane{}
	}

	err := s.ensureFile()
	if err != nil {
		return nil, err
	}
	err = s.read()
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Summary represents the persisted generation queues and request state of a site
// Every mutation is written to disk before it returns
type Summary struct {
	filePath string
	lanes    map[ArtifactType]*Lane
	m        *sync.Mutex
}

func (s *Summary) lane(t ArtifactType) (*Lane, error) {
	l, ok := s.lanes[t]
	if !ok {
		return nil, errors.Wrapf(ErrNoQueue, "type %s", t)
	}
	return l, nil
}

// Enqueue adds a job to the queue of its artifact type
// A job with the same queue key replaces the existing one in place
func (s *Summary) Enqueue(job *Job) error {
	if job == nil || job.QueueKey == "" {
		return errors.New("job has no queue key")
	}
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(job.Type)
	if err != nil {
		return err
	}
	jc := *job
	if i := l.find(job.QueueKey); i >= 0 {
		l.Queue[i] = &jc
	} else {
		l.Queue = append(l.Queue, &jc)
	}
	log.Debugf("Added queue_%s [url_tag] %s [UA] %s [vary] %s [uid] %d", job.Type, job.PageKey, job.UserAgent, job.Vary, job.UserID)

	return s.save()
}

// Jobs returns a copy of the pending jobs of t in queue order
func (s *Summary) Jobs(t ArtifactType) []*Job {
	s.m.Lock()
	defer s.m.Unlock()

	l, ok := s.lanes[t]
	if !ok {
		return nil
	}
	return l.copy().Queue
}

// Pending returns the number of queued jobs of t
func (s *Summary) Pending(t ArtifactType) int {
	s.m.Lock()
	defer s.m.Unlock()

	l, ok := s.lanes[t]
	if !ok {
		return 0
	}
	return len(l.Queue)
}

// Dequeue removes the job with the given key and records it in the history
func (s *Summary) Dequeue(t ArtifactType, queueKey string) (*Job, error) {
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(t)
	if err != nil {
		return nil, err
	}
	i := l.find(queueKey)
	if i < 0 {
		return nil, ErrJobNotFound
	}
	job := l.Queue[i]
	l.Queue = append(l.Queue[:i], l.Queue[i+1:]...)

	pushed := false
	for hi := range l.History {
		if l.History[hi].QueueKey == queueKey {
			l.History[hi].URL = job.URL
			pushed = true
			break
		}
	}
	if !pushed {
		l.History = append(l.History, HistoryEntry{QueueKey: queueKey, URL: job.URL})
	}
	if over := len(l.History) - HistoryLimit; over > 0 {
		l.History = append([]HistoryEntry(nil), l.History[over:]...)
	}

	return job, s.save()
}

// MarkInFlight records that a generation request for t started at now
func (s *Summary) MarkInFlight(t ArtifactType, now time.Time) error {
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(t)
	if err != nil {
		return err
	}
	l.InFlightSince = JSONTime(now)

	return s.save()
}

// Complete clears the in-flight marker of t and records how long the request took
func (s *Summary) Complete(t ArtifactType, now time.Time) error {
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(t)
	if err != nil {
		return err
	}
	if !l.InFlightSince.IsZero() {
		l.LastDuration = now.Unix() - l.InFlightSince.Unix()
	}
	l.LastCompletedAt = JSONTime(now)
	l.InFlightSince = JSONTime{}

	return s.save()
}

// ClearQueue drops all pending jobs of t
// It reports false when the queue was already empty
func (s *Summary) ClearQueue(t ArtifactType) (bool, error) {
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(t)
	if err != nil {
		return false, err
	}
	if len(l.Queue) == 0 {
		return false, nil
	}
	l.Queue = nil

	return true, s.save()
}

// Reset empties the queue and history of t and clears its in-flight marker
func (s *Summary) Reset(t ArtifactType) error {
	s.m.Lock()
	defer s.m.Unlock()

	l, err := s.lane(t)
	if err != nil {
		return err
	}
	l.Queue = nil
	l.History = nil
	l.InFlightSince = JSONTime{}

	return s.save()
}

// Lane returns a snapshot of the state of t
func (s *Summary) Lane(t ArtifactType) Lane {
	s.m.Lock()
	defer s.m.Unlock()

	l, ok := s.lanes[t]
	if !ok {
		return Lane{}
	}
	return l.copy()
}
