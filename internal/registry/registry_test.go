package registry

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/jobfabric/jobfabric/internal/transport"
)

func newPipePair(t *testing.T) (client, server *transport.Connection) {
	t.Helper()
	a, b := net.Pipe()
	client = transport.New(a, transport.AuthConfig{}, recordingHandler{}, nil)
	server = transport.New(b, transport.AuthConfig{}, nil, nil)
	go client.Serve()
	return client, server
}

type recordingHandler struct{}

func (recordingHandler) Handle(_ context.Context, reqType string, data json.RawMessage, _ *transport.Connection) (any, error) {
	return map[string]string{"got": reqType}, nil
}

func TestRegisterRejectsEmptyTargets(t *testing.T) {
	r := New(nil)
	_, server := newPipePair(t)
	defer server.Close()

	if err := r.Register(server, nil, "w1"); err == nil {
		t.Fatalf("expected an error for empty targets")
	}
}

func TestRegisterAddsWorkerAndRemovesOnClose(t *testing.T) {
	r := New(nil)
	_, server := newPipePair(t)
	go server.Serve()

	if err := r.Register(server, []string{"web", "batch"}, "w1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(r.Workers()) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(r.Workers()))
	}

	server.Close()
	time.Sleep(50 * time.Millisecond)

	if len(r.Workers()) != 0 {
		t.Fatalf("expected worker removed after close, got %d", len(r.Workers()))
	}
}

func TestAddDeferredThenRegisterConsumesIntersection(t *testing.T) {
	r := New(nil)
	r.AddDeferred([]string{"web", "batch"})

	if got := r.Deferred(); len(got) != 2 {
		t.Fatalf("expected 2 deferred targets, got %v", got)
	}

	_, server := newPipePair(t)
	defer server.Close()

	if err := r.Register(server, []string{"web", "other"}, "w1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := r.Deferred()
	if len(got) != 1 || got[0] != "batch" {
		t.Fatalf("expected only 'batch' left deferred, got %v", got)
	}
}

func TestIntersect(t *testing.T) {
	got := Intersect([]string{"a", "b", "c"}, []string{"b", "c", "d"})
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected intersection: %v", got)
	}
}
