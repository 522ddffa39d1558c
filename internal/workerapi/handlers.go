// Package workerapi binds the Worker's request types (spec.md §6
// "Request types (Worker)") to internal/router handlers backed by an
// internal/scheduler.Scheduler. It mirrors the teacher's pattern of a
// thin per-message-type case in tcp_server.go deferring straight into
// a collaborator (there, connManager/timerManager/producer; here, the
// scheduler and its queue set).
package workerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/config"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/router"
	"github.com/jobfabric/jobfabric/internal/scheduler"
	"github.com/jobfabric/jobfabric/internal/transport"
)

// Deps are the collaborators every Worker handler needs.
type Deps struct {
	Scheduler      *scheduler.Scheduler
	Log            *logging.Logger
	RequestTimeout time.Duration
}

// Register binds every Worker request type onto r.
func Register(r *router.Router, deps Deps) {
	r.Register("poll", deps.handlePoll)
	r.Register("pause", deps.handlePause)
	r.Register("continue", deps.handleContinue)
	r.Register("status", deps.handleStatus)
	r.Register("add-target", deps.handleAddTarget)
	r.Register("remove-target", deps.handleRemoveTarget)
	r.Register("set-target-concurrency", deps.handleSetTargetConcurrency)
	r.Register("run-manual", deps.handleRunManual)
}

type targetsPayload struct {
	Targets *[]string `json:"targets"`
}

// resolveTargets implements the "omitted targets means all served
// targets" rule shared by poll/pause/continue (spec.md §6).
func (d Deps) resolveTargets(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p targetsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Targets == nil {
		return nil, nil
	}
	served := d.Scheduler.Served()
	servedSet := make(map[string]bool, len(served))
	for _, t := range served {
		servedSet[t] = true
	}
	for _, t := range *p.Targets {
		if !servedSet[t] {
			return nil, apierr.NewInvalidTargetError(t)
		}
	}
	return *p.Targets, nil
}

func (d Deps) handlePoll(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	targets, err := d.resolveTargets(data)
	if err != nil {
		return nil, err
	}
	d.Scheduler.Poll(targets)
	return "ok", nil
}

func (d Deps) handlePause(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	targets, err := d.resolveTargets(data)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = d.Scheduler.Served()
	}
	for _, t := range targets {
		if err := d.Scheduler.Queues().Pause(t); err != nil {
			return nil, err
		}
	}
	return "ok", nil
}

func (d Deps) handleContinue(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	targets, err := d.resolveTargets(data)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = d.Scheduler.Served()
	}
	for _, t := range targets {
		if err := d.Scheduler.Queues().Continue(t); err != nil {
			return nil, err
		}
	}
	return "ok", nil
}

type targetStatus struct {
	Paused      bool `json:"paused"`
	Concurrency int  `json:"concurrency"`
	Length      int  `json:"length"`
}

func (d Deps) handleStatus(_ context.Context, _ json.RawMessage, _ *transport.Connection) (any, error) {
	stats := d.Scheduler.Queues().Stats()
	targets := make(map[string]targetStatus, len(stats))
	for name, s := range stats {
		targets[name] = targetStatus{Paused: s.Paused, Concurrency: s.Concurrency, Length: s.Length}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{
		"targets":          targets,
		"jobPromisesCount": d.Scheduler.WaitersCount(),
		"memoryUsage":      mem.Alloc,
	}, nil
}

type addTargetPayload struct {
	Target      string `json:"target"`
	Concurrency int    `json:"concurrency"`
}

func (d Deps) handleAddTarget(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p addTargetPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Target == "" || p.Target == config.ReservedTargetName {
		return nil, apierr.NewInvalidTargetError(p.Target)
	}
	if err := d.Scheduler.Queues().Add(p.Target, p.Concurrency); err != nil {
		return nil, err
	}
	d.Scheduler.AddServed(p.Target)
	return "ok", nil
}

type targetOnlyPayload struct {
	Target string `json:"target"`
}

func (d Deps) handleRemoveTarget(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p targetOnlyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if err := d.Scheduler.Queues().Remove(p.Target); err != nil {
		return nil, err
	}
	d.Scheduler.RemoveServed(p.Target)
	return "ok", nil
}

type setConcurrencyPayload struct {
	Target      string `json:"target"`
	Concurrency int    `json:"concurrency"`
}

func (d Deps) handleSetTargetConcurrency(_ context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p setConcurrencyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if err := d.Scheduler.Queues().SetConcurrency(p.Target, p.Concurrency); err != nil {
		return nil, err
	}
	return "ok", nil
}

type runManualPayload struct {
	IDs []uint64 `json:"ids"`
}

type jobOutcomeView struct {
	Result string `json:"result"`
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (d Deps) handleRunManual(ctx context.Context, data json.RawMessage, _ *transport.Connection) (any, error) {
	var p runManualPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	if d.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.RequestTimeout)
		defer cancel()
	}

	jobs, errs, err := d.Scheduler.ManualRun(ctx, p.IDs)
	if err != nil {
		return nil, err
	}

	jobsOut := make(map[string]jobOutcomeView, len(jobs))
	for id, out := range jobs {
		jobsOut[strconv.FormatUint(id, 10)] = jobOutcomeView{
			Result: out.Result, Code: out.Code, Signal: out.Signal, Stdout: out.Stdout, Stderr: out.Stderr,
		}
	}
	errsOut := make(map[string]string, len(errs))
	for id, msg := range errs {
		errsOut[strconv.FormatUint(id, 10)] = msg
	}

	return map[string]any{"jobs": jobsOut, "errors": errsOut}, nil
}
