package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/deadlock"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/diagnostics"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/executor"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/web"
)

var queueStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the queue processor in the foreground",
	Long: `Run the processor loop: claim the oldest queued job, execute it under
its limits, repeat. Exactly one processor runs per state directory; a
second start fails fast on the pipeline lock.

The processor stops on Ctrl-C (after the current job finishes) or when
'seqpipe queue stop' is issued from another terminal.`,
	RunE: runQueueStart,
}

var queueStartServe bool

func init() {
	queueCmd.AddCommand(queueStartCmd)
	queueStartCmd.Flags().BoolVar(&queueStartServe, "serve", false,
		"also serve the status API (web.addr) while the processor runs")
}

func runQueueStart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	pre := diagnostics.RunPreflight(cfg.StateDir, 0, 0)
	for _, c := range pre.Checks {
		if c.Status == diagnostics.CheckWarn {
			log.Warn("preflight warning", "check", c.Name, "detail", c.Detail)
		}
	}
	if !pre.OK() {
		for _, c := range pre.Failures() {
			log.Error("preflight check failed", "check", c.Name, "detail", c.Detail)
		}
		return core.ErrState("preflight failed; run 'seqpipe doctor' for details")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	edges, err := deadlock.NewFSStore(cfg.DeadlockDir(), cfg.Deadlock.EdgeTTL)
	if err != nil {
		return err
	}
	detector := deadlock.NewDetector(edges, cfg.Deadlock.Interval, log)

	locker, err := newLockManager(cfg, detector, log)
	if err != nil {
		return err
	}

	dumps := diagnostics.NewCrashDumpWriter(cfg.DumpsDir(), 0, true, false, log)

	bus := events.New(0)
	defer bus.Close()

	exec := executor.New(locker, store, executor.Options{
		LogsDir:         cfg.LogsDir(),
		KillGrace:       cfg.Job.KillGrace,
		MonitorInterval: cfg.Monitor.Interval,
		TreeDepth:       cfg.Monitor.TreeDepth,
		DefaultTimeout:  cfg.Job.Timeout,
		Bus:             bus,
		Dumps:           dumps,
		Logger:          log,
	})

	control := newControl(cfg)
	proc := queue.NewProcessor(store, exec, locker, control, queue.Options{
		PollInterval: cfg.Queue.PollInterval,
		Bus:          bus,
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("queue processor starting",
		"state_dir", cfg.StateDir,
		"scope", cfg.Scope(),
		"version", appVersion)

	if !queueStartServe {
		return proc.Run(ctx)
	}

	// The event stream only carries anything when it shares a process with
	// the executor, so the embedded server is where SSE lives.
	webCfg := web.DefaultConfig()
	webCfg.Addr = cfg.Web.Addr
	server := web.New(webCfg, log,
		web.WithStore(store),
		web.WithStatus(proc),
		web.WithLocks(locker),
		web.WithControl(control),
		web.WithBus(bus),
		web.WithVersion(appVersion),
		web.WithScope(cfg.Scope()),
	)

	// A clean processor exit (queue stop) returns nil, which would leave the
	// group waiting on the server; cancel explicitly instead.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return proc.Run(gctx)
	})
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}
