package workerapi

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/queueset"
	"github.com/jobfabric/jobfabric/internal/router"
	"github.com/jobfabric/jobfabric/internal/scheduler"
	"github.com/jobfabric/jobfabric/internal/storage"
)

// fakeStore is a no-op scheduler.ClaimStore: every poll claims
// nothing, which is all these handler tests need from it.
type fakeStore struct{}

func (fakeStore) ClaimForPoll(_ context.Context, _ []string, _ int) ([]storage.JobRow, []storage.ClaimResult, bool, error) {
	return nil, nil, false, nil
}

func (fakeStore) ClaimForManual(_ context.Context, _ []uint64, _ []string) ([]storage.JobRow, []storage.ClaimResult, error) {
	return nil, nil, nil
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	queues := queueset.New(func(job queueset.Job, done func()) { done() }, nil)
	if err := queues.Add("web", 2); err != nil {
		t.Fatalf("queues.Add: %v", err)
	}
	s := scheduler.New(fakeStore{}, queues, []string{"web"}, 10, time.Second, nil)
	return Deps{Scheduler: s, RequestTimeout: time.Second}
}

func TestHandlePollRejectsUnservedTarget(t *testing.T) {
	d := newTestDeps(t)
	data, _ := json.Marshal(map[string]any{"targets": []string{"ghost"}})
	_, err := d.handlePoll(context.Background(), data, nil)
	if err == nil {
		t.Fatalf("expected an error for an unserved target")
	}
	// spec.md §8 scenario S3: the exact response for an unserved
	// target in poll is `error="invalid target '<name>'"`.
	want := "invalid target 'ghost'"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestHandlePollAcceptsOmittedTargets(t *testing.T) {
	d := newTestDeps(t)
	out, err := d.handlePoll(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestHandleAddTargetThenStatusReportsIt(t *testing.T) {
	d := newTestDeps(t)
	data, _ := json.Marshal(addTargetPayload{Target: "batch", Concurrency: 3})
	if _, err := d.handleAddTarget(context.Background(), data, nil); err != nil {
		t.Fatalf("handleAddTarget: %v", err)
	}

	out, err := d.handleStatus(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	status := out.(map[string]any)
	targets := status["targets"].(map[string]targetStatus)
	if targets["batch"].Concurrency != 3 {
		t.Fatalf("expected batch concurrency 3, got %+v", targets["batch"])
	}
}

func TestHandleAddTargetRejectsReservedName(t *testing.T) {
	d := newTestDeps(t)
	data, _ := json.Marshal(addTargetPayload{Target: "null", Concurrency: 1})
	if _, err := d.handleAddTarget(context.Background(), data, nil); err == nil {
		t.Fatalf("expected reserved target name 'null' to be rejected")
	}
}

func TestHandleRemoveTargetDropsItFromServed(t *testing.T) {
	d := newTestDeps(t)
	data, _ := json.Marshal(targetOnlyPayload{Target: "web"})
	if _, err := d.handleRemoveTarget(context.Background(), data, nil); err != nil {
		t.Fatalf("handleRemoveTarget: %v", err)
	}
	served := d.Scheduler.Served()
	if len(served) != 0 {
		t.Fatalf("expected no served targets left, got %v", served)
	}
}

func TestRegisterBindsAllWorkerRequestTypes(t *testing.T) {
	d := newTestDeps(t)
	r := router.New()
	Register(r, d)

	for _, reqType := range []string{"poll", "pause", "continue", "status", "add-target", "remove-target", "set-target-concurrency", "run-manual"} {
		_, err := r.Handle(context.Background(), reqType, json.RawMessage(`{}`), nil)
		if apierr.IsProtocolError(err) {
			t.Fatalf("expected %q to be registered, got unknown-type error", reqType)
		}
	}
}
