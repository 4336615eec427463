package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/sentinel/internal/bridge"
	"github.com/p-blackswan/sentinel/internal/config"
	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/metrics"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/pipeline"
	"github.com/p-blackswan/sentinel/internal/reconcile"
	"github.com/p-blackswan/sentinel/internal/retry"
	"github.com/p-blackswan/sentinel/internal/snapshot"
	"github.com/p-blackswan/sentinel/internal/store"
	"github.com/p-blackswan/sentinel/internal/tracker"
	"github.com/p-blackswan/sentinel/internal/watcher"
	"github.com/p-blackswan/sentinel/internal/zoneguard"
)

func init() {
	rootCmd.AddCommand(interceptCmd)
	interceptCmd.Flags().StringVar(&interceptProject, "project", "", "Project id (overrides SENTINEL_PROJECT_ID)")
	interceptCmd.Flags().StringVar(&interceptRoot, "root", "", "Project root (overrides SENTINEL_PROJECT_ROOT)")
	interceptCmd.Flags().IntVar(&interceptPID, "agent-pid", 0, "PID of the agent process to suspend on stop")
}

var (
	interceptProject string
	interceptRoot    string
	interceptPID     int
)

var interceptCmd = &cobra.Command{
	Use:   "intercept",
	Short: "Watch a project tree and report classified changes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if interceptProject != "" {
			cfg.ProjectID = interceptProject
		}
		if interceptRoot != "" {
			cfg.ProjectRoot = interceptRoot
		}
		if interceptPID != 0 {
			cfg.AgentPID = interceptPID
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runIntercept(ctx, cfg)
	},
}

func runIntercept(ctx context.Context, cfg *config.Config) error {
	if cfg.ProjectID == "" {
		return fmt.Errorf("%w: SENTINEL_PROJECT_ID is required", serrors.ErrInvalidConfig)
	}
	root, err := pipeline.ResolveRoot(cfg.ProjectRoot)
	if err != nil {
		return err
	}
	enforce, err := pipeline.ParseEnforceMode(cfg.EnforceMode)
	if err != nil {
		return err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "interceptor-" + cfg.ProjectID
	}
	log := logger.With().Str("project", cfg.ProjectID).Str("root", root).Logger()
	log.Info().Str("enforce", string(enforce)).Str("server", cfg.ServerURL).Msg("starting interceptor")

	dbPath := cfg.LocalDBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating local state dir: %w", err)
	}
	st, err := store.New(dbPath, log)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer st.Close()
	if err := st.EnsureProject(cfg.ProjectID, root); err != nil {
		return err
	}

	ignore, err := zoneguard.NewIgnoreSet(cfg.IgnorePatterns)
	if err != nil {
		return err
	}
	tr := tracker.New(root, log)
	if err := tr.Scan(ignore.Skip); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	files, size := tr.Totals()
	log.Info().Int("files", files).Int64("bytes", size).Msg("baseline scanned")

	guard := zoneguard.New(root, log)
	if cfg.ZonesFile != "" {
		zones, err := zoneguard.LoadZonesFile(cfg.ZonesFile, cfg.ProjectID)
		if err != nil {
			return err
		}
		// Local policy applies until the server pushes its zone set.
		if err := guard.SetZones(zones); err != nil {
			return err
		}
	}

	var committer snapshot.Committer = snapshot.Unversioned{}
	if snapshot.Available() {
		committer = snapshot.NewGit(root, cfg.IgnorePatterns, log)
	} else {
		log.Warn().Msg("git not found: snapshots are recorded without versioning and remediation is disabled")
		if enforce == pipeline.EnforceRemediate {
			enforce = pipeline.EnforceObserve
		}
	}
	chain, err := snapshot.NewChain(ctx, cfg.ProjectID, committer, st, tr.Totals, log)
	if err != nil {
		return err
	}

	m := metrics.New()

	var project *pipeline.Project
	br := bridge.New(bridge.Config{
		URL:               cfg.ServerURL,
		ClientType:        models.ClientInterceptor,
		ClientID:          clientID,
		ProjectID:         cfg.ProjectID,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueCapacity:     cfg.QueueCapacity,
		Backoff:           retry.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: true},
		OnDrop: func(env event.Envelope) {
			m.RecordBridgeDrop()
			log.Warn().Str("type", env.Type).Msg("outbound queue full, envelope dropped")
		},
	}, func(env event.Envelope) { project.HandleEnvelope(env) }, log)

	project = pipeline.New(pipeline.Options{
		ProjectID: cfg.ProjectID,
		ClientID:  clientID,
		Enforce:   enforce,
		RateLimit: models.RateLimit{MaxEvents: cfg.ClientRateMax, Window: cfg.ClientRateWindow},
	}, tr, guard, chain, br, log)
	project.SetAgent(pipeline.NewSignalController(cfg.AgentPID, log))
	project.SetMetrics(m)

	w, err := watcher.New(root, watcher.Options{
		Debounce:    cfg.Debounce,
		Correlation: cfg.CorrelationWindow,
		Skip:        ignore.Skip,
		OnError:     func(error) { m.RecordWatcherError() },
	}, project.Submit, log)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	project.SetPauser(w)

	rec := reconcile.New(tr, ignore.Skip, cfg.ReconcileInterval, project.Submit, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		project.Run(ctx)
		return nil
	})
	if err := br.Start(ctx); err != nil {
		return err
	}
	w.Start()
	g.Go(func() error {
		rec.Run(ctx)
		return nil
	})
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down interceptor")
		w.Stop()
		br.Disconnect()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Int64("processed", project.Processed()).Int64("dropped", project.Dropped()).Msg("interceptor stopped")
	return err
}
