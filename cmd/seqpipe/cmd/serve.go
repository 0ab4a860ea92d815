package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local status API",
	Long: `Serve the read-mostly HTTP API used by editors and dashboards: queue
status, run history, captured logs, lock holders, and pause/resume.

The server binds loopback and carries no authentication; do not expose
it beyond the machine. The live event stream (/api/v1/events) is only
available from the processor itself: start it with
'seqpipe queue start --serve' instead when you need SSE.`,
	RunE: runServe,
}

var (
	serveAddr        string
	serveCORSOrigins []string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (default: web.addr from config)")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil,
		"allowed CORS origin, enables CORS (repeatable)")
}

// statusReader assembles queue status from shared state for processes that
// do not host the processor.
type statusReader struct {
	store   core.RunStore
	locker  *locking.Manager
	control *queue.Control
}

func (s *statusReader) Status(ctx context.Context) (*queue.Status, error) {
	return queue.ReadStatus(ctx, s.store, s.locker, s.control, 0)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	locker, err := newLockManager(cfg, nil, log)
	if err != nil {
		return err
	}
	control := newControl(cfg)

	webCfg := web.DefaultConfig()
	webCfg.Addr = cfg.Web.Addr
	if serveAddr != "" {
		webCfg.Addr = serveAddr
	}
	if len(serveCORSOrigins) > 0 {
		webCfg.EnableCORS = true
		webCfg.CORSOrigins = serveCORSOrigins
	}

	server := web.New(webCfg, log,
		web.WithStore(store),
		web.WithStatus(&statusReader{store: store, locker: locker, control: control}),
		web.WithLocks(locker),
		web.WithControl(control),
		web.WithVersion(appVersion),
		web.WithScope(cfg.Scope()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("status API starting", "addr", webCfg.Addr, "state_dir", cfg.StateDir)
	return server.Run(ctx)
}
