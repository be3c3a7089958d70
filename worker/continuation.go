package worker

import (
	"context"

	"github.com/chrisvdg/cssoptm/cache"
	log "github.com/sirupsen/logrus"
)

// Scheduler arranges for a continuing drain of a queue to run later
type Scheduler interface {
	Schedule(t cache.ArtifactType)
}

type noScheduler struct{}

func (noScheduler) Schedule(t cache.ArtifactType) {
	log.Debugf("[%s] No scheduler, remaining jobs wait for the next drain", t)
}

// MaybeContinue schedules a continuation once a drain handled a full batch
// and reports whether the current drain should stop
func (w *Worker) MaybeContinue(i int, t cache.ArtifactType) bool {
	if i < w.c.BatchSize {
		return false
	}
	log.Debugf("[%s] Batch of %d done, continue in a new drain", t, i)
	continuations.WithLabelValues(string(t)).Inc()
	w.sched.Schedule(t)
	return true
}

// NewTrampoline returns an in-process scheduler
func NewTrampoline() *Trampoline {
	return &Trampoline{
		ch: make(chan cache.ArtifactType, len(cache.QueueTypes)),
	}
}

// Trampoline runs scheduled continuations one after the other outside of
// the drain that requested them
type Trampoline struct {
	ch chan cache.ArtifactType
}

// Schedule requests a continuing drain of t
// A request is dropped when one is already pending
func (tr *Trampoline) Schedule(t cache.ArtifactType) {
	select {
	case tr.ch <- t:
	default:
		log.Debugf("[%s] Continuation already pending", t)
	}
}

// Run executes scheduled continuations until ctx is done
func (tr *Trampoline) Run(ctx context.Context, drain func(context.Context, cache.ArtifactType) error) {
	for {
		select {
		case t := <-tr.ch:
			if err := drain(ctx, t); err != nil {
				log.Errorf("[%s] Continuation failed: %s", t, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
