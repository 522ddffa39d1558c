// Package registry implements the Master's registry of connected
// Workers (spec.md §4.H): the set of registered Worker connections and
// their advertised targets, a deferred-poke set for targets nobody
// currently serves, and ping keepalive. It generalizes the teacher's
// internal/connection.Manager (a zipcode-indexed client table with a
// max-connections cap and an inactivity sweep) into a target-indexed
// table with no connection cap, since a Master's Worker fleet is
// small and operator-controlled rather than a public-facing listener.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/transport"
)

// Worker is one registered Worker connection and its advertisement.
type Worker struct {
	Conn    *transport.Connection
	Targets []string
	Name    string
}

// Registry holds every registered Worker plus the deferred-poke set
// (spec.md §3's "Deferred-poke set"): targets poked while no Worker
// served them, so a later registration can catch up.
type Registry struct {
	mu       sync.Mutex
	workers  []*Worker
	deferred map[string]bool
	log      *logging.Logger
}

// New builds an empty registry.
func New(log *logging.Logger) *Registry {
	return &Registry{
		deferred: make(map[string]bool),
		log:      log,
	}
}

// Register implements spec.md §4.H steps 1-4. It validates targets,
// stores the entry, arms removal on disconnect, and immediately pokes
// the new Worker for any target the deferred set was waiting on.
func (r *Registry) Register(conn *transport.Connection, targets []string, name string) error {
	if len(targets) == 0 {
		return &apierr.ValidationError{Field: "targets", Err: apierr.ErrEmptyTargets}
	}
	for _, t := range targets {
		if t == "" {
			return &apierr.ValidationError{Field: "targets", Err: apierr.ErrInvalidTarget}
		}
	}

	w := &Worker{Conn: conn, Targets: append([]string(nil), targets...), Name: name}

	r.mu.Lock()
	r.workers = append(r.workers, w)
	var toPoke []string
	for _, t := range targets {
		if r.deferred[t] {
			toPoke = append(toPoke, t)
			delete(r.deferred, t)
		}
	}
	r.mu.Unlock()

	conn.OnClose(func() { r.remove(conn) })

	if len(toPoke) > 0 {
		if err := conn.Send("poll", map[string]any{"targets": toPoke}); err != nil && r.log != nil {
			r.log.Printf("registry: deferred poll to %s failed: %v", name, err)
		}
	}
	return nil
}

func (r *Registry) remove(conn *transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.workers {
		if w.Conn == conn {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			return
		}
	}
}

// Workers returns a snapshot copy of the current registration table.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// AddDeferred merges targets into the deferred-poke set.
func (r *Registry) AddDeferred(targets []string) {
	if len(targets) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		r.deferred[t] = true
	}
}

// Deferred returns a sorted snapshot of the deferred-poke set, mostly
// useful for tests and diagnostics.
func (r *Registry) Deferred() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.deferred))
	for t := range r.deferred {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Intersect returns the elements of targets also present in served.
func Intersect(targets, served []string) []string {
	set := make(map[string]bool, len(served))
	for _, t := range served {
		set[t] = true
	}
	var out []string
	for _, t := range targets {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

// RunKeepalive pings every registered Worker every interval until ctx
// is done (spec.md §4.H keepalive). Errors are logged and otherwise
// ignored: a dead link is cleaned up via its own close callback, not
// by the ping loop.
func RunKeepalive(ctx context.Context, r *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range r.Workers() {
				if err := w.Conn.Ping(); err != nil && r.log != nil {
					r.log.Printf("registry: ping to %s failed: %v", w.Name, err)
				}
			}
		}
	}
}
