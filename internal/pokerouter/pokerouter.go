// Package pokerouter implements the Master's poke router (spec.md
// §4.I): a leading-edge throttled drain over a pending-target set,
// target-indexed fan-out to registered Workers, and pause/continue
// broadcast. It reuses the teacher's internal/timer.TimerManager
// (rcmukkamala-weather-server/internal/timer/heap.go) as the throttle
// clock — scheduling a single re-arming "drain" task under a fixed key
// plays the same role there as the teacher's per-client timeout
// sweep, just keyed by a constant id instead of a connection id.
package pokerouter

import (
	"sort"
	"sync"
	"time"

	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/registry"
	"github.com/jobfabric/jobfabric/internal/timer"
)

const drainTaskID = "poke-drain"

// Router implements the leading-edge throttle over poke(targets).
type Router struct {
	reg      *registry.Registry
	timers   *timer.TimerManager
	interval time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	pending map[string]bool
	armed   bool
}

// New builds a Router bound to reg. The caller owns timers' lifecycle
// (Start/Stop); Router only schedules tasks on it.
func New(reg *registry.Registry, timers *timer.TimerManager, interval time.Duration, log *logging.Logger) *Router {
	return &Router{
		reg:      reg,
		timers:   timers,
		interval: interval,
		log:      log,
		pending:  make(map[string]bool),
	}
}

// Poke implements spec.md §4.I steps 1-2: union targets into the
// pending set, draining immediately on the first call in a window and
// coalescing the rest until the throttle fires.
func (r *Router) Poke(targets []string) {
	r.mu.Lock()
	for _, t := range targets {
		r.pending[t] = true
	}
	leading := !r.armed
	if leading {
		r.armed = true
	}
	r.mu.Unlock()

	if leading {
		r.drain()
		r.timers.Schedule(drainTaskID, time.Now().Add(r.interval), r.rearm)
	}
}

// rearm runs when the throttle window closes: drain whatever
// coalesced during the window, then arm the next window only if more
// pokes arrived, mirroring a leading-edge throttle with no trailing
// call when the pending set is empty.
func (r *Router) rearm() {
	r.mu.Lock()
	hasPending := len(r.pending) > 0
	if !hasPending {
		r.armed = false
	}
	r.mu.Unlock()

	if !hasPending {
		return
	}
	r.drain()
	r.timers.Schedule(drainTaskID, time.Now().Add(r.interval), r.rearm)
}

// drain implements spec.md §4.I step 3: snapshot and clear the
// pending set, fan out poll(intersection) per Worker, and defer
// targets nobody serves.
func (r *Router) drain() {
	r.mu.Lock()
	t := make([]string, 0, len(r.pending))
	for target := range r.pending {
		t = append(t, target)
	}
	r.pending = make(map[string]bool)
	r.mu.Unlock()
	if len(t) == 0 {
		return
	}
	sort.Strings(t)

	served := make(map[string]bool, len(t))
	for _, w := range r.reg.Workers() {
		intersection := registry.Intersect(t, w.Targets)
		if len(intersection) == 0 {
			continue
		}
		for _, target := range intersection {
			served[target] = true
		}
		if err := w.Conn.Send("poll", map[string]any{"targets": intersection}); err != nil && r.log != nil {
			r.log.Printf("pokerouter: poll to %s failed: %v", w.Name, err)
		}
	}

	var unserved []string
	for _, target := range t {
		if !served[target] {
			unserved = append(unserved, target)
		}
	}
	r.reg.AddDeferred(unserved)
}

// PauseOrContinue implements spec.md §4.I's pause(targets)/continue(targets)
// broadcast: select Workers whose advertised targets intersect targets
// (or every Worker when targets is nil, meaning "all"), and forward
// reqType with the intersection.
func (r *Router) PauseOrContinue(reqType string, targets []string) {
	for _, w := range r.reg.Workers() {
		intersection := w.Targets
		if targets != nil {
			intersection = registry.Intersect(targets, w.Targets)
			if len(intersection) == 0 {
				continue
			}
		}
		if err := w.Conn.Send(reqType, map[string]any{"targets": intersection}); err != nil && r.log != nil {
			r.log.Printf("pokerouter: %s to %s failed: %v", reqType, w.Name, err)
		}
	}
}
