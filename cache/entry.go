package cache

import (
	"strconv"
	"time"
)

// ArtifactType represents the kind of generated stylesheet
type ArtifactType string

const (
	// Critical represents above-the-fold critical CSS
	Critical ArtifactType = "ccss"
	// Unused represents a combined stylesheet trimmed of unused selectors
	Unused ArtifactType = "ucss"
	// Combined represents the combined page stylesheet produced by the host
	// optimizer, used as input for unused CSS generation
	Combined ArtifactType = "css"
)

// QueueTypes lists the artifact types that have a generation queue
var QueueTypes = []ArtifactType{Critical, Unused}

// Valid reports whether t is a known artifact type
func (t ArtifactType) Valid() bool {
	return t == Critical || t == Unused || t == Combined
}

// Queued reports whether t has a generation queue
func (t ArtifactType) Queued() bool {
	return t == Critical || t == Unused
}

// Job represents a pending generation job
type Job struct {
	// QueueKey is the de-duplication key, see QueueKey
	QueueKey string `json:"queue_key"`
	// PageKey is the page tag the artifact is cached for
	PageKey string `json:"url_tag"`
	// URL is the request URL the job was created for
	URL string `json:"url"`
	// UserID is the session identity used to render the page copy
	UserID int64 `json:"uid"`
	// UserAgent is the client identity used to render the page copy
	UserAgent string `json:"user_agent"`
	// IsMobile marks a separate mobile variant
	IsMobile bool `json:"is_mobile"`
	// Vary is the full fingerprint of the request
	Vary string `json:"vary"`
	// Type is the artifact type to generate
	Type ArtifactType `json:"type"`
}

// HistoryEntry represents a popped job kept for diagnostics
type HistoryEntry struct {
	QueueKey string `json:"queue_key"`
	URL      string `json:"url"`
}

// Lane holds the queue and request bookkeeping for one artifact type
type Lane struct {
	Queue           []*Job         `json:"queue"`
	History         []HistoryEntry `json:"history"`
	InFlightSince   JSONTime       `json:"curr_request"`
	LastDuration    int64          `json:"last_spent"`
	LastCompletedAt JSONTime       `json:"last_request"`
}

func (l *Lane) find(key string) int {
	for i, j := range l.Queue {
		if j.QueueKey == key {
			return i
		}
	}
	return -1
}

func (l *Lane) copy() Lane {
	c := *l
	c.Queue = make([]*Job, len(l.Queue))
	for i, j := range l.Queue {
		jc := *j
		c.Queue[i] = &jc
	}
	c.History = append([]HistoryEntry(nil), l.History...)
	return c
}

// JSONTime is a time.Time wrapper that JSON (un)marshals into a unix timestamp
type JSONTime time.Time

// MarshalJSON is used to convert the timestamp to JSON
func (t JSONTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}

	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

// UnmarshalJSON is used to convert the timestamp from JSON
func (t *JSONTime) UnmarshalJSON(s []byte) (err error) {
	q, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return err
	}
	if q <= 0 {
		*t = JSONTime{}
		return nil
	}
	*(*time.Time)(t) = time.Unix(q, 0)

	return nil
}

// IsZero reports whether the timestamp is unset
// Negative time stamps make no sense for our use cases and count as unset
func (t JSONTime) IsZero() bool {
	return time.Time(t).IsZero() || time.Time(t).Unix() <= 0
}

// Unix returns the unix time stamp of the underlaying time object
func (t JSONTime) Unix() int64 {
	return time.Time(t).Unix()
}

// Time returns the JSON time as a time.Time instance
func (t JSONTime) Time() time.Time {
	return time.Time(t)
}

// String returns time as a formatted string
func (t JSONTime) String() string {
	return t.Time().String()
}
