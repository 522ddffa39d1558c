// Package aggregator implements the Master's manual-run aggregator
// (spec.md §4.J): pick a Worker per job by target, fan out one
// run-manual request per chosen Worker in parallel, and merge the
// per-Worker jobs/errors maps plus a routing-exceptions list into a
// single response. It follows the teacher's fan-out-then-merge shape
// from internal/aggregation (hourly/daily rollups collect many rows
// into one summary); here the rows are per-Worker RPC outcomes instead
// of database rows.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/registry"
	"github.com/jobfabric/jobfabric/internal/transport"
)

// Job is one requested manual run, as received in run-manual's payload.
type Job struct {
	ID     uint64 `json:"id"`
	Target string `json:"target"`
}

// Result is the aggregated run-manual response shape (spec.md §4.J
// step 5): per-id outcomes and per-id error strings.
type Result struct {
	Jobs   map[string]json.RawMessage `json:"jobs"`
	Errors map[string]string          `json:"errors"`
}

// workerResponse is what a Worker's run-manual handler returns.
type workerResponse struct {
	Jobs   map[string]json.RawMessage `json:"jobs"`
	Errors map[string]string          `json:"errors"`
}

// Run implements spec.md §4.J steps 1-5. A batch correlation id (the
// teacher's tcp_server.go stamps one per accepted connection with
// uuid.New().String(); here one is stamped per run-manual batch) ties
// together the log lines from what may be several parallel per-Worker
// calls fanned out from one client request. log may be nil.
func Run(ctx context.Context, reg *registry.Registry, jobs []Job, log *logging.Logger) Result {
	batchID := uuid.New().String()
	if log != nil {
		log.Printf("run-manual batch %s: dispatching %d job(s)", batchID, len(jobs))
	}

	workers := reg.Workers()

	byTarget := make(map[string][]*transport.Connection)
	for _, w := range workers {
		for _, t := range w.Targets {
			byTarget[t] = append(byTarget[t], w.Conn)
		}
	}

	assigned := make(map[*transport.Connection][]Job)
	result := Result{Jobs: make(map[string]json.RawMessage), Errors: make(map[string]string)}

	for _, j := range jobs {
		candidates := byTarget[j.Target]
		if len(candidates) == 0 {
			result.Errors[fmt.Sprint(j.ID)] = apierr.NewNoWorkerForTargetError(j.Target).Error()
			continue
		}
		chosen := candidates[rand.Intn(len(candidates))]
		assigned[chosen] = append(assigned[chosen], j)
	}

	type outcome struct {
		conn *transport.Connection
		jobs []Job
		resp workerResponse
		err  error
	}
	outcomes := make(chan outcome, len(assigned))
	var wg sync.WaitGroup
	for conn, js := range assigned {
		wg.Add(1)
		go func(conn *transport.Connection, js []Job) {
			defer wg.Done()
			ids := make([]uint64, len(js))
			for i, j := range js {
				ids[i] = j.ID
			}
			raw, err := conn.SendRequest(ctx, "run-manual", map[string]any{"ids": ids})
			if err != nil {
				if log != nil {
					log.Printf("run-manual batch %s: worker %s call failed: %v", batchID, conn.ID, err)
				}
				outcomes <- outcome{conn: conn, jobs: js, err: err}
				return
			}
			var resp workerResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				outcomes <- outcome{conn: conn, jobs: js, err: err}
				return
			}
			outcomes <- outcome{conn: conn, jobs: js, resp: resp}
		}(conn, js)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		if o.err != nil {
			for _, j := range o.jobs {
				result.Errors[fmt.Sprint(j.ID)] = o.err.Error()
			}
			continue
		}
		for id, data := range o.resp.Jobs {
			result.Jobs[id] = data
		}
		for id, msg := range o.resp.Errors {
			result.Errors[id] = msg
		}
	}

	return result
}
