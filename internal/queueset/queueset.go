// Package queueset implements the per-target bounded-concurrency
// dispatch queues the Worker scheduler drives (spec.md §4.E). It keeps
// the same shape as the teacher's worker-pool TCP server
// (internal/server/tcp_server_workerpool.go): a small in-memory queue
// feeding a bounded number of concurrent runners, generalized from one
// global job queue/worker count into one queue per target with its own
// concurrency limit, pause flag, and completion callback.
package queueset

import (
	"sync"

	"github.com/jobfabric/jobfabric/internal/apierr"
)

// Job is the unit of work a target queue dispatches.
type Job struct {
	ID     uint64
	Target string
}

// RunFunc executes a claimed job. It must call done exactly once when
// the job finishes, from any goroutine, to free its queue slot.
type RunFunc func(job Job, done func())

// Stats is the observable state of one target queue (spec.md §4.E /
// the `status` request's per-target fields).
type Stats struct {
	Paused      bool
	Concurrency int
	Length      int // queued + in-flight
}

type targetQueue struct {
	concurrency int
	paused      bool
	inflight    int
	pending     []Job
}

func (q *targetQueue) length() int { return q.inflight + len(q.pending) }

func (q *targetQueue) hasSlack() bool { return !q.paused && q.inflight < q.concurrency }

// Set owns every target's queue and serializes all touches to it
// behind one mutex, satisfying spec.md §5's atomicity requirement
// between the request-handler path and completion callbacks.
type Set struct {
	mu         sync.Mutex
	run        RunFunc
	onFinished func(target string)
	queues     map[string]*targetQueue
}

// New builds an empty Set. run executes dispatched jobs; onFinished is
// invoked (outside the lock) after each completion, for the scheduler's
// nextpoll retrigger (spec.md §4.F step 4).
func New(run RunFunc, onFinished func(target string)) *Set {
	return &Set{
		run:        run,
		onFinished: onFinished,
		queues:     make(map[string]*targetQueue),
	}
}

// Add creates a target's queue. Errors if it already exists.
func (s *Set) Add(target string, concurrency int) error {
	if concurrency <= 0 {
		return apierr.ErrInvalidConcurrency
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[target]; ok {
		return apierr.ErrTargetExists
	}
	s.queues[target] = &targetQueue{concurrency: concurrency}
	return nil
}

// Remove deletes a target's queue. Errors if it is non-empty.
func (s *Set) Remove(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[target]
	if !ok {
		return apierr.ErrInvalidTarget
	}
	if q.length() > 0 {
		return apierr.ErrInvalidTarget
	}
	delete(s.queues, target)
	return nil
}

// SetConcurrency adjusts a live limit; running jobs are unaffected.
func (s *Set) SetConcurrency(target string, concurrency int) error {
	if concurrency <= 0 {
		return apierr.ErrInvalidConcurrency
	}
	s.mu.Lock()
	q, ok := s.queues[target]
	if !ok {
		s.mu.Unlock()
		return apierr.ErrInvalidTarget
	}
	q.concurrency = concurrency
	s.mu.Unlock()

	s.tryDispatch(target)
	return nil
}

// Pause stops new dispatch on target without cancelling in-flight jobs.
func (s *Set) Pause(target string) error {
	return s.setPaused(target, true)
}

// Continue resumes dispatch on target.
func (s *Set) Continue(target string) error {
	err := s.setPaused(target, false)
	if err == nil {
		s.tryDispatch(target)
	}
	return err
}

func (s *Set) setPaused(target string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[target]
	if !ok {
		return apierr.ErrInvalidTarget
	}
	q.paused = paused
	return nil
}

// Push enqueues job onto its target's queue and dispatches immediately
// if there is slack.
func (s *Set) Push(target string, job Job) error {
	s.mu.Lock()
	q, ok := s.queues[target]
	if !ok {
		s.mu.Unlock()
		return apierr.ErrInvalidTarget
	}
	q.pending = append(q.pending, job)
	s.mu.Unlock()

	s.tryDispatch(target)
	return nil
}

// HasSlack reports whether target can currently accept dispatch.
func (s *Set) HasSlack(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[target]
	return ok && q.hasSlack()
}

// AnySlack reports whether any of targets currently has slack
// (spec.md §4.F step 4).
func (s *Set) AnySlack(targets []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		if q, ok := s.queues[t]; ok && q.hasSlack() {
			return true
		}
	}
	return false
}

// Targets returns every target currently registered, in no particular order.
func (s *Set) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for t := range s.queues {
		out = append(out, t)
	}
	return out
}

// Stats returns a snapshot of every target's observable state.
func (s *Set) Stats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.queues))
	for t, q := range s.queues {
		out[t] = Stats{Paused: q.paused, Concurrency: q.concurrency, Length: q.length()}
	}
	return out
}

// tryDispatch drains as much of target's pending queue as concurrency
// and pause state allow.
func (s *Set) tryDispatch(target string) {
	for {
		s.mu.Lock()
		q, ok := s.queues[target]
		if !ok || !q.hasSlack() || len(q.pending) == 0 {
			s.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight++
		s.mu.Unlock()

		s.run(job, func() { s.finish(target) })
	}
}

func (s *Set) finish(target string) {
	s.mu.Lock()
	if q, ok := s.queues[target]; ok {
		q.inflight--
	}
	s.mu.Unlock()

	if s.onFinished != nil {
		s.onFinished(target)
	}
	s.tryDispatch(target)
}
