package pokerouter

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/jobfabric/jobfabric/internal/registry"
	"github.com/jobfabric/jobfabric/internal/timer"
	"github.com/jobfabric/jobfabric/internal/transport"
)

type captureHandler struct {
	ch chan string
}

func (h captureHandler) Handle(_ context.Context, reqType string, data json.RawMessage, _ *transport.Connection) (any, error) {
	h.ch <- string(data)
	return nil, nil
}

func newRegisteredWorker(t *testing.T, reg *registry.Registry, targets []string, name string) (*transport.Connection, chan string) {
	t.Helper()
	ch := make(chan string, 8)
	a, b := net.Pipe()
	serverSide := transport.New(a, transport.AuthConfig{}, captureHandler{ch: ch}, nil)
	workerSide := transport.New(b, transport.AuthConfig{}, nil, nil)
	go serverSide.Serve()
	if err := reg.Register(workerSide, targets, name); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return workerSide, ch
}

func TestPokeDrainsImmediatelyOnLeadingEdge(t *testing.T) {
	reg := registry.New(nil)
	_, ch := newRegisteredWorker(t, reg, []string{"web"}, "w1")

	tm := timer.NewTimerManager(1)
	tm.Start()
	defer tm.Stop()

	r := New(reg, tm, 50*time.Millisecond, nil)
	r.Poke([]string{"web"})

	select {
	case got := <-ch:
		if got != `{"targets":["web"]}` {
			t.Fatalf("unexpected poll payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an immediate poll on the leading edge")
	}
}

func TestPokeDefersUnservedTargets(t *testing.T) {
	reg := registry.New(nil)
	_, ch := newRegisteredWorker(t, reg, []string{"web"}, "w1")

	tm := timer.NewTimerManager(1)
	tm.Start()
	defer tm.Stop()

	r := New(reg, tm, 50*time.Millisecond, nil)
	r.Poke([]string{"batch"})

	select {
	case got := <-ch:
		t.Fatalf("did not expect a poll for an unserved target, got %s", got)
	case <-time.After(100 * time.Millisecond):
	}

	deferred := reg.Deferred()
	if len(deferred) != 1 || deferred[0] != "batch" {
		t.Fatalf("expected 'batch' deferred, got %v", deferred)
	}
}

func TestPauseOrContinueBroadcastsToAllWhenTargetsNil(t *testing.T) {
	reg := registry.New(nil)
	_, ch1 := newRegisteredWorker(t, reg, []string{"web"}, "w1")
	_, ch2 := newRegisteredWorker(t, reg, []string{"batch"}, "w2")

	r := New(reg, timer.NewTimerManager(1), time.Second, nil)
	r.PauseOrContinue("pause", nil)

	for _, ch := range []chan string{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("expected a broadcast pause to every worker")
		}
	}
}
