// Package scheduler implements the Worker's polling loop and manual-run
// contract (spec.md §4.F). It owns the `polling`/`nextpoll` pair and
// drives the storage claim transaction, then dispatches accepted jobs
// onto the target queue set (internal/queueset), mirroring the
// teacher's pattern of a single coordinator goroutine/mutex guarding
// shared scheduling state around an I/O-bound claim step.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/queueset"
	"github.com/jobfabric/jobfabric/internal/storage"
)

// ClaimStore is the subset of storage.Store the scheduler depends on
// for claiming rows, accepted as an interface (rather than the
// concrete type) so tests can substitute a fake claimer without a live
// MySQL connection. *storage.Store satisfies this implicitly.
type ClaimStore interface {
	ClaimForPoll(ctx context.Context, served []string, fetchLimit int) ([]storage.JobRow, []storage.ClaimResult, bool, error)
	ClaimForManual(ctx context.Context, ids []uint64, served []string) ([]storage.JobRow, []storage.ClaimResult, error)
}

// JobOutcome is the result payload a finished job carries back to any
// run-manual waiter (spec.md §4.G step 8).
type JobOutcome struct {
	Result string
	Code   *int
	Signal string
	Stdout string
	Stderr string
}

// backlog implements spec.md §4.F's `nextpoll: set<target|ALL>`.
type backlog struct {
	all     bool
	targets map[string]bool
}

func newBacklog() *backlog { return &backlog{targets: make(map[string]bool)} }

func (b *backlog) union(targets []string) {
	if len(targets) == 0 {
		b.all = true
		return
	}
	for _, t := range targets {
		b.targets[t] = true
	}
}

func (b *backlog) empty() bool { return !b.all && len(b.targets) == 0 }

func (b *backlog) clear() {
	b.all = false
	b.targets = make(map[string]bool)
}

func (b *backlog) resolve(served []string) []string {
	if b.all {
		out := make([]string, len(served))
		copy(out, served)
		return out
	}
	out := make([]string, 0, len(b.targets))
	for t := range b.targets {
		out = append(out, t)
	}
	return out
}

// Scheduler drives the claim-and-dispatch loop described in spec.md §4.F.
type Scheduler struct {
	store  ClaimStore
	queues *queueset.Set
	log    *logging.Logger

	served     []string
	fetchLimit int
	claimTimeout time.Duration

	mu      sync.Mutex
	polling bool
	nextpoll *backlog

	waitersMu sync.Mutex
	waiters   map[uint64]chan JobOutcome
}

// New builds a Scheduler for the given served target list.
func New(store ClaimStore, queues *queueset.Set, served []string, fetchLimit int, claimTimeout time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		queues:       queues,
		log:          log,
		served:       served,
		fetchLimit:   fetchLimit,
		claimTimeout: claimTimeout,
		nextpoll:     newBacklog(),
		waiters:      make(map[uint64]chan JobOutcome),
	}
}

// Poll adds targets (nil/empty meaning ALL) to the backlog and attempts
// to run the polling loop.
func (s *Scheduler) Poll(targets []string) {
	s.mu.Lock()
	s.nextpoll.union(targets)
	s.mu.Unlock()
	s.tryPoll()
}

// Retrigger is called by the queue set's completion callback: a freed
// slot may let a previously-blocked poll proceed.
func (s *Scheduler) Retrigger(target string) {
	s.Poll([]string{target})
}

// tryPoll implements the poll() contract of spec.md §4.F steps 1-9.
func (s *Scheduler) tryPoll() {
	s.mu.Lock()
	if s.nextpoll.empty() {
		s.mu.Unlock()
		return
	}
	targets := s.nextpoll.resolve(s.served)
	if len(targets) == 0 {
		s.mu.Unlock()
		return
	}
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.queues.AnySlack(targets) {
		return // a completion from queueset will retrigger
	}

	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.nextpoll.clear()
	s.mu.Unlock()

	reachedLimit, err := s.claimAndDispatch(targets)

	s.mu.Lock()
	s.polling = false
	if err == nil && reachedLimit {
		s.nextpoll.union(targets)
	}
	s.mu.Unlock()

	if err != nil {
		if s.log != nil {
			s.log.Printf("poll: claim failed: %v", err)
		}
		return
	}
	// Recurse whenever the backlog is non-empty: either the fetch limit
	// was reached, or Poll added targets while this cycle was running.
	s.tryPoll()
}

func (s *Scheduler) claimAndDispatch(targets []string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.claimTimeout)
	defer cancel()

	accepted, results, reachedLimit, err := s.store.ClaimForPoll(ctx, targets, s.fetchLimit)
	if err != nil {
		return false, err
	}
	if s.log != nil {
		for _, r := range results {
			if r.Outcome != storage.ClaimAccepted {
				s.log.Printf("claim: job %d %s: %s", r.ID, r.Outcome, r.Reason)
			}
		}
	}
	for _, job := range accepted {
		s.dispatch(job.ID, job.Target)
	}
	return reachedLimit, nil
}

func (s *Scheduler) dispatch(id uint64, target string) {
	if err := s.queues.Push(target, queueset.Job{ID: id, Target: target}); err != nil && s.log != nil {
		s.log.Printf("dispatch: job %d target %s: %v", id, target, err)
	}
}

// ManualRun executes the manual-run contract (spec.md §4.F "Manual run
// contract", §4.G step 8): claim the requested ids, dispatch the
// accepted ones through the usual target queues, and wait for each to
// finish before returning per-id results and errors.
func (s *Scheduler) ManualRun(ctx context.Context, ids []uint64) (jobs map[uint64]JobOutcome, errs map[uint64]string, err error) {
	accepted, results, claimErr := s.store.ClaimForManual(ctx, ids, s.served)
	if claimErr != nil {
		return nil, nil, claimErr
	}

	jobs = make(map[uint64]JobOutcome)
	errs = make(map[uint64]string)

	for _, r := range results {
		if r.Outcome != storage.ClaimAccepted {
			errs[r.ID] = fmt.Sprintf("%s: %s", r.Outcome, r.Reason)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, job := range accepted {
		ch, dup := s.registerWaiter(job.ID)
		if dup {
			mu.Lock()
			errs[job.ID] = "run-manual already in progress for this id"
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(id uint64, ch chan JobOutcome) {
			defer wg.Done()
			out, waitErr := s.awaitJob(ctx, id, ch)
			mu.Lock()
			if waitErr != nil {
				errs[id] = waitErr.Error()
			} else {
				jobs[id] = out
			}
			mu.Unlock()
		}(job.ID, ch)
		s.dispatch(job.ID, job.Target)
	}
	wg.Wait()

	return jobs, errs, nil
}

// registerWaiter installs a one-shot waiter channel for id, rejecting
// the call if one is already registered (spec.md §9: "Duplicate
// run-manual on an id already being awaited is rejected").
func (s *Scheduler) registerWaiter(id uint64) (chan JobOutcome, bool) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if _, exists := s.waiters[id]; exists {
		return nil, true
	}
	ch := make(chan JobOutcome, 1)
	s.waiters[id] = ch
	return ch, false
}

func (s *Scheduler) awaitJob(ctx context.Context, id uint64, ch chan JobOutcome) (JobOutcome, error) {
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		s.waitersMu.Lock()
		delete(s.waiters, id)
		s.waitersMu.Unlock()
		return JobOutcome{}, ctx.Err()
	}
}

// NotifyDone resolves any run-manual waiter for id with its outcome.
// Called by the runner after the final done-transition write.
func (s *Scheduler) NotifyDone(id uint64, out JobOutcome) {
	s.waitersMu.Lock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	s.waitersMu.Unlock()
	if ok {
		ch <- out
	}
}

// WaitersCount reports the number of run-manual calls currently
// blocked on a job's completion (the `jobPromisesCount` status field).
func (s *Scheduler) WaitersCount() int {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	return len(s.waiters)
}

// Queues exposes the queue set for the status/add-target/etc. handlers.
func (s *Scheduler) Queues() *queueset.Set { return s.queues }

// Served returns the configured target list.
func (s *Scheduler) Served() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.served))
	copy(out, s.served)
	return out
}

// AddServed records target as one this Worker now serves, for
// add-target (spec.md §6): the claim queries and the "all targets"
// meaning of omitted `targets` must pick it up immediately.
func (s *Scheduler) AddServed(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.served {
		if t == target {
			return
		}
	}
	s.served = append(s.served, target)
}

// RemoveServed drops target from the served list, for remove-target.
func (s *Scheduler) RemoveServed(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.served {
		if t == target {
			s.served = append(s.served[:i], s.served[i+1:]...)
			return
		}
	}
}
