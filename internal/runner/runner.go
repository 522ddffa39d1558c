// Package runner implements the job runner (spec.md §4.G): given a
// claimed (id, target), it transitions the row to running, spawns the
// target's configured launcher, captures output under a size cap, and
// transitions the row to done with the captured result.
//
// No third-party process-supervision library in the retrieval pack fits
// this shape (jsturma-joblet's jobexec uses Linux namespaces/cgroups to
// re-exec itself as PID 1, well past what a simple "launch, capture,
// wait" step needs) — see DESIGN.md. This is built directly on
// os/exec, in the style of the teacher's I/O-bound helpers: a struct
// with a single entry point, errors returned rather than panicked.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/queueset"
	"github.com/jobfabric/jobfabric/internal/storage"
)

// LauncherConfig is the per-target launch configuration (spec.md §6's
// launcher, launcher.cwd, launcher.env.* and max_output_buffer keys).
type LauncherConfig struct {
	Command         string
	CWD             string
	Env             map[string]string
	MaxOutputBuffer int
}

// DoneEvent carries a finished job's outcome (spec.md §4.G step 8).
type DoneEvent struct {
	ID     uint64
	Target string
	Result string
	Code   *int
	Signal string
	Stdout string
	Stderr string
}

// Runner owns the running->done transition for claimed jobs.
type Runner struct {
	store   *storage.Store
	configs map[string]LauncherConfig
	onDone  func(DoneEvent)
	log     *logging.Logger
}

// New builds a Runner. onDone, if set, is invoked after the done-write
// with the job's outcome (the scheduler wires this to NotifyDone; an
// eventlog publisher, if configured, chains onto the same callback).
func New(store *storage.Store, configs map[string]LauncherConfig, onDone func(DoneEvent), log *logging.Logger) *Runner {
	return &Runner{store: store, configs: configs, onDone: onDone, log: log}
}

// RunFunc adapts the Runner to queueset.RunFunc.
func (r *Runner) RunFunc() queueset.RunFunc {
	return func(job queueset.Job, done func()) {
		go r.run(job, done)
	}
}

func (r *Runner) run(job queueset.Job, done func()) {
	defer done()

	ctx := context.Background()
	if err := r.store.MarkRunning(ctx, job.ID, time.Now()); err != nil && r.log != nil {
		r.log.Printf("job %d: mark-running: %v", job.ID, err)
	}

	var res execResult
	if cfg, ok := r.configs[job.Target]; ok {
		res = execute(ctx, job.ID, cfg)
	} else {
		res = execResult{
			result: storage.ResultFail,
			stderr: fmt.Sprintf("no launcher configured for target '%s'", job.Target),
		}
	}

	update := storage.DoneUpdate{
		ID:           job.ID,
		Result:       res.result,
		ReturnCode:   res.code,
		Sig:          res.signal,
		Stdout:       res.stdout,
		Stderr:       res.stderr,
		TimeFinished: time.Now(),
	}
	if err := r.store.MarkDone(ctx, update); err != nil && r.log != nil {
		r.log.Printf("job %d: mark-done: %v (job considered finished; reconciliation is external)", job.ID, err)
	}

	if r.onDone != nil {
		r.onDone(DoneEvent{
			ID: job.ID, Target: job.Target, Result: res.result,
			Code: res.code, Signal: res.signal, Stdout: res.stdout, Stderr: res.stderr,
		})
	}
}

type execResult struct {
	code   *int
	signal string
	stdout string
	stderr string
	result string
}

// execute spawns the configured launcher for id and captures its
// outcome (spec.md §4.G steps 2-6).
func execute(ctx context.Context, id uint64, cfg LauncherConfig) execResult {
	argv := expandArgv(cfg.Command, id)
	if len(argv) == 0 {
		return execResult{result: storage.ResultFail, stderr: "empty launcher command"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cfg.CWD != "" {
		cmd.Dir = cfg.CWD
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), mapToEnviron(cfg.Env)...)
	}

	limit := cfg.MaxOutputBuffer
	if limit <= 0 {
		limit = 1 << 20
	}
	stdout := newCapturer(limit)
	stderr := newCapturer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return execResult{result: storage.ResultFail, stderr: fmt.Sprintf("spawn error: %v\n%s", err, debug.Stack())}
	}
	stdout.kill = cmd.Process.Kill
	stderr.kill = cmd.Process.Kill

	waitErr := cmd.Wait()

	if stdout.exceeded || stderr.exceeded {
		return execResult{
			result: storage.ResultFail,
			stdout: stdout.String(),
			stderr: fmt.Sprintf("%soutput buffer exceeded (max %d bytes per stream)", stderr.String(), limit),
		}
	}

	code, sig := exitInfo(cmd, waitErr)
	result := storage.ResultFail
	if code != nil && *code == 0 {
		result = storage.ResultOK
	}
	return execResult{code: code, signal: sig, stdout: stdout.String(), stderr: stderr.String(), result: result}
}

// expandArgv replaces the literal substring "{id}" with the job id and
// splits on whitespace runs (spec.md §4.G step 2).
func expandArgv(launcher string, id uint64) []string {
	expanded := strings.ReplaceAll(launcher, "{id}", strconv.FormatUint(id, 10))
	return strings.Fields(expanded)
}

func mapToEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func exitInfo(cmd *exec.Cmd, waitErr error) (code *int, signal string) {
	ps := cmd.ProcessState
	if ps == nil {
		return nil, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := ws.Signal().String()
		return nil, name
	}
	c := ps.ExitCode()
	return &c, ""
}

// capturer is a bounded io.Writer: once the configured limit is
// exceeded it truncates, flags itself, and kills the owning process.
type capturer struct {
	buf      bytes.Buffer
	limit    int
	exceeded bool
	kill     func() error
}

func newCapturer(limit int) *capturer { return &capturer{limit: limit} }

func (c *capturer) Write(p []byte) (int, error) {
	if c.exceeded {
		return len(p), nil
	}
	remaining := c.limit - c.buf.Len()
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.exceeded = true
		if c.kill != nil {
			c.kill()
		}
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capturer) String() string { return c.buf.String() }
