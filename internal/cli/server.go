package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/sentinel/internal/auth"
	"github.com/p-blackswan/sentinel/internal/config"
	"github.com/p-blackswan/sentinel/internal/execution"
	"github.com/p-blackswan/sentinel/internal/health"
	"github.com/p-blackswan/sentinel/internal/hub"
	"github.com/p-blackswan/sentinel/internal/metrics"
	"github.com/p-blackswan/sentinel/internal/mgmt"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/notify"
	"github.com/p-blackswan/sentinel/internal/store"
	"github.com/p-blackswan/sentinel/internal/stream"
	"github.com/p-blackswan/sentinel/internal/zoneguard"
)

func init() {
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the broadcaster, execution state machines and management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("auth_enabled", cfg.AuthEnabled()).
		Bool("kafka_enabled", cfg.KafkaEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting sentinel server")

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	opts := hub.DefaultOptions()
	opts.OutboxSize = cfg.OutboxSize
	opts.ReplayPageSize = cfg.ReplayPageSize
	opts.Metrics = m

	if cfg.AuthEnabled() {
		authority, err := auth.New(cfg.JWTSecret)
		if err != nil {
			return err
		}
		opts.Verifier = authority
	} else {
		logger.Warn().Msg("SENTINEL_JWT_SECRET not set: clients are not authenticated")
	}

	if cfg.SlackEnabled() {
		opts.Alerter = notify.NewSlackWebhook(cfg.SlackWebhookURL, logger)
	}

	if ierr := st.IntegrityErr(); ierr != nil {
		logger.Error().Err(ierr).Str("forensic_copy", st.ForensicCopy()).Msg("store integrity check failed, continuing degraded")
		if opts.Alerter != nil {
			text := fmt.Sprintf("%v (forensic copy: %s)", ierr, st.ForensicCopy())
			if err := opts.Alerter.Alert(ctx, "Sentinel store integrity check failed", text); err != nil {
				logger.Warn().Err(err).Msg("failed to send integrity alert")
			}
		}
	}

	riskSink := hub.NewChannelSink(1024)
	opts.Sinks = append(opts.Sinks, riskSink)

	var kafkaSink *stream.KafkaSink
	if cfg.KafkaEnabled() {
		kafkaSink = stream.NewKafkaSink(
			stream.NewKafkaWriter(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic),
			stream.Options{}, logger)
		opts.Sinks = append(opts.Sinks, kafkaSink)
	}

	registry := execution.NewRegistry(st, execution.Defaults{
		AutoStopRiskThreshold: cfg.Risk(),
		RateLimit:             models.RateLimit{MaxEvents: cfg.CircuitBreakerMax, Window: cfg.CircuitBreakerWindow},
	}, logger)
	h := hub.New(st, registry, opts, logger)

	if err := seedZones(st, cfg); err != nil {
		return err
	}

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st))
	checker.Register("integrity", health.ErrCheck(st.IntegrityErr))

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr:        cfg.MgmtListenAddr,
		AuthConfig:        mgmt.AuthConfig{APIKey: cfg.MgmtAPIKey, ReadOnlyKey: cfg.MgmtReadOnlyKey},
		CORSOrigins:       strings.Join(cfg.CORSOrigins(), ","),
		RequestsPerMinute: cfg.MgmtRateLimit,
	}, st, h, registry, checker, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	wsServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("websocket server starting")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mgmtServer.Start(); err != nil {
			return fmt.Errorf("management API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		h.RunRiskFeed(ctx, riskSink, hub.DefaultRisk)
		return nil
	})
	if kafkaSink != nil {
		g.Go(func() error { return kafkaSink.Run(ctx) })
	}
	g.Go(func() error {
		runRetention(ctx, st, cfg)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("websocket server shutdown error")
		}
		if err := mgmtServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("management API server shutdown error")
		}
		h.Close()
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("sentinel server stopped")
	return err
}

// seedZones loads the zone policy file into the configured project when that
// project has no user zones yet. Zones changed through the API are never
// overwritten on restart.
func seedZones(st *store.Store, cfg *config.Config) error {
	if cfg.ZonesFile == "" || cfg.ProjectID == "" {
		return nil
	}
	zones, err := zoneguard.LoadZonesFile(cfg.ZonesFile, cfg.ProjectID)
	if err != nil {
		return err
	}
	if err := st.EnsureProject(cfg.ProjectID, ""); err != nil {
		return err
	}
	if err := st.EnsureSystemZones(zoneguard.SystemZones(cfg.ProjectID)); err != nil {
		return err
	}
	existing, err := st.ListZones(cfg.ProjectID)
	if err != nil {
		return err
	}
	for _, z := range existing {
		if !z.IsSystem {
			logger.Info().Str("project", cfg.ProjectID).Msg("zones already configured, policy file not applied")
			return nil
		}
	}
	if err := st.ReplaceZones(cfg.ProjectID, zones); err != nil {
		return err
	}
	logger.Info().Str("project", cfg.ProjectID).Int("zones", len(zones)).Str("file", cfg.ZonesFile).Msg("zones seeded from policy file")
	return nil
}

func runRetention(ctx context.Context, st *store.Store, cfg *config.Config) {
	if cfg.RetentionEvery <= 0 {
		return
	}
	policy := store.RetentionPolicy{ActionEvents: cfg.EventRetention, ReplayLog: cfg.ReplayLogTTL}
	ticker := time.NewTicker(cfg.RetentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := st.RunRetention(ctx, policy); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("retention pass failed")
			}
			if size, err := st.DBSizeBytes(); err == nil {
				logger.Debug().Int64("bytes", size).Msg("database size")
			}
		}
	}
}
