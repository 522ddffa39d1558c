// Package masterapi binds the Master's request types (spec.md §6
// "Request types (Master)") to internal/router handlers backed by an
// internal/registry.Registry, internal/pokerouter.Router, and the
// internal/aggregator package. Same shape as internal/workerapi: a
// thin per-type case deferring into a collaborator, as the teacher's
// tcp_server.go does for connManager/timerManager/producer.
package masterapi

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/jobfabric/jobfabric/internal/aggregator"
	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/pokerouter"
	"github.com/jobfabric/jobfabric/internal/registry"
	"github.com/jobfabric/jobfabric/internal/router"
	"github.com/jobfabric/jobfabric/internal/transport"
)

// Deps are the collaborators every Master handler needs.
type Deps struct {
	Registry *registry.Registry
	Poke     *pokerouter.Router
	Log      *logging.Logger
}

// Register binds every Master request type onto r.
func Register(r *router.Router, deps Deps) {
	r.Register("register-worker", deps.handleRegisterWorker)
	r.Register("poke", deps.handlePoke)
	r.Register("pause", deps.handlePause)
	r.Register("continue", deps.handleContinue)
	r.Register("status", deps.handleStatus)
	r.Register("run-manual", deps.handleRunManual)
}

type registerWorkerPayload struct {
	Targets []string `json:"targets"`
	Name    string   `json:"name"`
}

func (d Deps) handleRegisterWorker(_ context.Context, data json.RawMessage, conn *transport.Connection) (any, error) {
	var p registerWorkerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if err := d.Registry.Register(conn, p.Targets, p.Name); err != nil {
		return nil, err
	}
	return "ok", nil
}

type pokePayload struct {
	Targets []string `json:"targets"`
}

// handlePoke implements spec.md §6's "poke without targets is
// invalid" rule: unlike Worker poll/pause/continue, an omitted or
// empty targets list here is a validation error, not "all".
func (d Deps) handlePoke(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p pokePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if len(p.Targets) == 0 {
		return nil, &apierr.ValidationError{Field: "targets", Err: apierr.ErrEmptyTargets}
	}
	d.Poke.Poke(p.Targets)
	return "ok", nil
}

type masterTargetsPayload struct {
	Targets *[]string `json:"targets"`
}

func (d Deps) parseMasterTargets(data json.RawMessage) ([]string, error) {
	var p masterTargetsPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
	}
	if p.Targets == nil {
		return nil, nil
	}
	return *p.Targets, nil
}

func (d Deps) handlePause(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	targets, err := d.parseMasterTargets(data)
	if err != nil {
		return nil, err
	}
	d.Poke.PauseOrContinue("pause", targets)
	return "ok", nil
}

func (d Deps) handleContinue(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	targets, err := d.parseMasterTargets(data)
	if err != nil {
		return nil, err
	}
	d.Poke.PauseOrContinue("continue", targets)
	return "ok", nil
}

type statusPayload struct {
	PollWorkers bool `json:"poll_workers"`
}

type workerStatusView struct {
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
	Status  any      `json:"status,omitempty"`
}

func (d Deps) handleStatus(ctx context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p statusPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
	}

	workers := d.Registry.Workers()
	views := make([]workerStatusView, 0, len(workers))
	for _, w := range workers {
		view := workerStatusView{Name: w.Name, Targets: w.Targets}
		if p.PollWorkers {
			raw, err := w.Conn.SendRequest(ctx, "status", nil)
			if err != nil {
				if d.Log != nil {
					d.Log.Printf("status: poll of worker %s failed: %v", w.Name, err)
				}
			} else {
				var decoded any
				if err := json.Unmarshal(raw, &decoded); err == nil {
					view.Status = decoded
				}
			}
		}
		views = append(views, view)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{"workers": views, "memoryUsage": mem.Alloc}, nil
}

type manualJobPayload struct {
	Jobs []aggregator.Job `json:"jobs"`
}

func (d Deps) handleRunManual(ctx context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p manualJobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	result := aggregator.Run(ctx, d.Registry, p.Jobs, d.Log)
	return result, nil
}
