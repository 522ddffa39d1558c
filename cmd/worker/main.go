// Command worker runs the Worker daemon (spec.md §1, §4.D-§4.G): it
// polls MySQL for claimable jobs on its configured targets, dispatches
// them through bounded per-target queues, and serves the Worker
// request types over a framed TCP listener. It reconnects to the
// Master and re-announces itself with register-worker on a timer,
// matching the teacher's top-level wiring style in cmd/server/main.go
// (load config, connect collaborators, start listener, block on a
// signal) generalized from one monolithic server to two cooperating
// daemons.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobfabric/jobfabric/internal/config"
	"github.com/jobfabric/jobfabric/internal/eventlog"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/queueset"
	"github.com/jobfabric/jobfabric/internal/router"
	"github.com/jobfabric/jobfabric/internal/runner"
	"github.com/jobfabric/jobfabric/internal/scheduler"
	"github.com/jobfabric/jobfabric/internal/statuscache"
	"github.com/jobfabric/jobfabric/internal/storage"
	"github.com/jobfabric/jobfabric/internal/transport"
	"github.com/jobfabric/jobfabric/internal/workerapi"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("worker")
	fmt.Println("Starting Worker daemon...")

	store, err := storage.Connect(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("connect to storage: %v", err)
	}
	defer store.Close()
	logger.Printf("connected to storage")

	var publisher *eventlog.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = eventlog.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		logger.Printf("eventlog publisher enabled (topic=%s)", cfg.Kafka.Topic)
	}

	var cache *statuscache.Cache
	if cfg.Redis.Addr != "" {
		cache = statuscache.New(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		logger.Printf("status cache enabled (addr=%s)", cfg.Redis.Addr)
	}

	// sched is assigned below, after the queue set and runner exist;
	// the closures here only call through the pointer once dispatch
	// actually starts, by which point it is set.
	var sched *scheduler.Scheduler

	launcherConfigs := make(map[string]runner.LauncherConfig, len(cfg.Targets))
	for target := range cfg.Targets {
		launcherConfigs[target] = runner.LauncherConfig{
			Command:         cfg.Launcher,
			CWD:             cfg.LauncherCWD,
			Env:             cfg.LauncherEnv,
			MaxOutputBuffer: cfg.MaxOutputBuffer,
		}
	}

	run := runner.New(store, launcherConfigs, func(evt runner.DoneEvent) {
		if sched != nil {
			sched.NotifyDone(evt.ID, scheduler.JobOutcome{
				Result: evt.Result, Code: evt.Code, Signal: evt.Signal, Stdout: evt.Stdout, Stderr: evt.Stderr,
			})
		}
		if publisher != nil {
			if err := publisher.OnJobDone(context.Background(), evt); err != nil {
				logger.Printf("eventlog publish failed for job %d: %v", evt.ID, err)
			}
		}
	}, logger.Named("runner"))

	queues := queueset.New(run.RunFunc(), func(target string) {
		if sched != nil {
			sched.Retrigger(target)
		}
	})

	served := make([]string, 0, len(cfg.Targets))
	for target, concurrency := range cfg.Targets {
		if err := queues.Add(target, concurrency); err != nil {
			log.Fatalf("configure target %q: %v", target, err)
		}
		served = append(served, target)
	}

	sched = scheduler.New(store, queues, served, cfg.MySQLFetchLimit, cfg.RequestTimeout, logger.Named("scheduler"))

	if cache != nil {
		go publishStatusLoop(context.Background(), cache, sched, cfg.Host+":"+fmt.Sprint(cfg.Port), logger)
	}

	r := router.New()
	workerapi.Register(r, workerapi.Deps{Scheduler: sched, Log: logger, RequestTimeout: cfg.RequestTimeout})

	auth := transport.AuthConfig{Password: cfg.Password, AlwaysAllowLocalhost: cfg.AlwaysAllowLocalhost}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	logger.Printf("listening on %s", listener.Addr())

	go acceptLoop(listener, auth, r, logger)

	go maintainMasterLink(cfg, sched, r, logger)

	fmt.Println("Worker daemon is running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
}

func acceptLoop(listener net.Listener, auth transport.AuthConfig, r *router.Router, logger *logging.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Printf("accept: %v", err)
			return
		}
		c := transport.New(conn, auth, r, logger)
		go c.Serve()
	}
}

// maintainMasterLink dials the Master, sends register-worker, and
// redials after master_reconnect_timeout on disconnect (spec.md §5's
// "Master↔Worker link auto-reconnects from the Worker side"). The
// Master's poll/pause/continue/status/run-manual requests arrive back
// over this same dialed connection, so it shares the Worker's own
// router rather than a dedicated one.
func maintainMasterLink(cfg *config.Worker, sched *scheduler.Scheduler, r *router.Router, logger *logging.Logger) {
	targets := sched.Served()
	for {
		addr := fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			logger.Printf("dial master %s: %v", addr, err)
			time.Sleep(cfg.MasterReconnectTimeout)
			continue
		}

		link := transport.New(conn, transport.AuthConfig{Password: cfg.Password}, r, logger.Named("master-link"))
		go link.Serve()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		_, err = link.SendRequest(ctx, "register-worker", map[string]any{"targets": targets, "name": cfg.Host})
		cancel()
		if err != nil {
			logger.Printf("register-worker: %v", err)
			link.Close()
			time.Sleep(cfg.MasterReconnectTimeout)
			continue
		}
		logger.Printf("registered with master at %s", addr)

		closed := make(chan struct{})
		link.OnClose(func() { close(closed) })
		<-closed
		logger.Printf("lost connection to master, reconnecting in %s", cfg.MasterReconnectTimeout)
		time.Sleep(cfg.MasterReconnectTimeout)
	}
}

func publishStatusLoop(ctx context.Context, cache *statuscache.Cache, sched *scheduler.Scheduler, workerName string, logger *logging.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.PublishAll(ctx, workerName, sched.Queues().Stats()); err != nil {
				logger.Printf("status cache publish failed: %v", err)
			}
		}
	}
}
