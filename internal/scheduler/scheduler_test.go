package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jobfabric/jobfabric/internal/queueset"
	"github.com/jobfabric/jobfabric/internal/storage"
)

func TestBacklogUnionAllWinsOverEmptyTargets(t *testing.T) {
	b := newBacklog()
	b.union(nil)
	if !b.all {
		t.Fatalf("expected empty targets to mean ALL")
	}
	if b.empty() {
		t.Fatalf("ALL backlog should not be empty")
	}
}

func TestBacklogUnionSpecificTargets(t *testing.T) {
	b := newBacklog()
	b.union([]string{"web"})
	b.union([]string{"batch"})
	resolved := b.resolve([]string{"web", "batch", "other"})
	if len(resolved) != 2 {
		t.Fatalf("expected 2 resolved targets, got %v", resolved)
	}
}

func TestBacklogResolveAllUsesServedList(t *testing.T) {
	b := newBacklog()
	b.union(nil)
	resolved := b.resolve([]string{"web", "batch"})
	if len(resolved) != 2 {
		t.Fatalf("expected served list echoed back, got %v", resolved)
	}
}

func TestBacklogClear(t *testing.T) {
	b := newBacklog()
	b.union([]string{"web"})
	b.clear()
	if !b.empty() {
		t.Fatalf("expected backlog empty after clear")
	}
}

func newTestScheduler(run queueset.RunFunc) *Scheduler {
	queues := queueset.New(run, nil)
	queues.Add("web", 2)
	return New(nil, queues, []string{"web"}, 10, time.Second, nil)
}

func TestNotifyDoneDeliversToWaiter(t *testing.T) {
	s := newTestScheduler(func(queueset.Job, func()) {})

	ch, dup := s.registerWaiter(42)
	if dup {
		t.Fatalf("expected no existing waiter for 42")
	}
	resultCh := make(chan JobOutcome, 1)
	go func() {
		out, err := s.awaitJob(context.Background(), 42, ch)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resultCh <- out
	}()

	time.Sleep(10 * time.Millisecond)
	s.NotifyDone(42, JobOutcome{Result: "ok"})

	select {
	case out := <-resultCh:
		if out.Result != "ok" {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for NotifyDone delivery")
	}
}

func TestAwaitJobRespectsContextCancellation(t *testing.T) {
	s := newTestScheduler(func(queueset.Job, func()) {})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ch, _ := s.registerWaiter(7)
	_, err := s.awaitJob(ctx, 7, ch)
	if err == nil {
		t.Fatalf("expected context deadline error")
	}
	if s.WaitersCount() != 0 {
		t.Fatalf("expected waiter cleaned up after cancellation, count=%d", s.WaitersCount())
	}
}

func TestDispatchPushesIntoQueue(t *testing.T) {
	dispatched := make(chan queueset.Job, 1)
	s := newTestScheduler(func(job queueset.Job, done func()) {
		dispatched <- job
		done()
	})

	s.dispatch(1, "web")

	select {
	case job := <-dispatched:
		if job.ID != 1 || job.Target != "web" {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected dispatch to reach the run function")
	}
}

// blockingClaimStore reports every requested id as accepted and returns
// job as the claimed row, so ManualRun reaches waiter registration for
// it; the test pre-registers a waiter for that id to stand in for a
// concurrent in-flight run-manual.
type blockingClaimStore struct {
	job storage.JobRow
}

func (b blockingClaimStore) ClaimForPoll(context.Context, []string, int) ([]storage.JobRow, []storage.ClaimResult, bool, error) {
	return nil, nil, false, nil
}

func (b blockingClaimStore) ClaimForManual(_ context.Context, ids []uint64, _ []string) ([]storage.JobRow, []storage.ClaimResult, error) {
	results := make([]storage.ClaimResult, len(ids))
	for i, id := range ids {
		results[i] = storage.ClaimResult{ID: id, Outcome: storage.ClaimAccepted}
	}
	return []storage.JobRow{b.job}, results, nil
}

func TestManualRunRejectsDuplicateWaiterForSameID(t *testing.T) {
	store := blockingClaimStore{job: storage.JobRow{ID: 1, Target: "web"}}
	queues := queueset.New(func(queueset.Job, func()) {}, nil)
	queues.Add("web", 1)
	s := New(store, queues, []string{"web"}, 10, time.Second, nil)

	// Pre-register a waiter for id 1, as a concurrent in-flight
	// run-manual call would have done.
	if _, dup := s.registerWaiter(1); dup {
		t.Fatalf("expected first registration to succeed")
	}

	_, errs, err := s.ManualRun(context.Background(), []uint64{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if errs[1] == "" {
		t.Fatalf("expected id 1 to be rejected as a duplicate, got errs=%+v", errs)
	}
}

func TestWaitersCountTracksOutstanding(t *testing.T) {
	s := newTestScheduler(func(queueset.Job, func()) {})
	if s.WaitersCount() != 0 {
		t.Fatalf("expected zero waiters initially")
	}
	ch, _ := s.registerWaiter(1)
	go s.awaitJob(context.Background(), 1, ch)
	time.Sleep(10 * time.Millisecond)
	if s.WaitersCount() != 1 {
		t.Fatalf("expected one waiter, got %d", s.WaitersCount())
	}
	s.NotifyDone(1, JobOutcome{})
	time.Sleep(10 * time.Millisecond)
	if s.WaitersCount() != 0 {
		t.Fatalf("expected waiter cleared after notify")
	}
}
