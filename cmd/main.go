package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"clipbatch/internal/api"
	"clipbatch/internal/batch"
	"clipbatch/internal/config"
	fileutil "clipbatch/internal/file"
	"clipbatch/internal/history"
	"clipbatch/internal/job"
	"clipbatch/internal/queue"
	"clipbatch/internal/ratelimit"
	"clipbatch/internal/retrieve"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "clipbatch",
		Short:         "Batch clip downloader with pollable jobs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to the YAML config file")
	root.AddCommand(newServeCmd(&configPath), newFetchCmd(&configPath), newConfigCmd(&configPath))
	return root
}

func setupLogging(level zerolog.Level) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(level)
}

func loadConfig(path string) (config.Config, error) {
	setupLogging(zerolog.InfoLevel)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Level())
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err //nolint:wrapcheck
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	svc, err := buildService(cfg, batch.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	signer, err := api.NewLinkSigner(cfg.TransferSecret)
	if err != nil {
		return fmt.Errorf("link signer: %w", err)
	}

	router := setupRouter(cfg)
	wireAPI(router, svc, signer)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	svc.manager.SetBaseContext(baseCtx)
	svc.startBackground(baseCtx, cfg)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, svc.manager, shutdownTimeout)
	return nil
}

// service bundles the process-wide singletons: one job store and supervisor,
// one rate limiter and one download queue shared by every batch.
type service struct {
	supervisor *job.Supervisor
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	manager    *batch.Manager
	recorder   *history.Recorder
}

func buildService(cfg config.Config, opts batch.Options) (*service, error) {
	supervisor := job.NewSupervisor(job.NewMemoryStore(), job.Policy{
		Timeout:        cfg.Jobs.Timeout,
		StuckProgress:  cfg.Jobs.StuckProgress,
		StuckIdle:      cfg.Jobs.StuckIdle,
		CompletedGrace: cfg.Jobs.CompletedGrace,
		FailedGrace:    cfg.Jobs.FailedGrace,
		SweepInterval:  cfg.Jobs.SweepInterval,
	})
	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	q := queue.New(cfg.Queue.MaxConcurrent, limiter, queue.Options{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		BaseBackoff:      cfg.Queue.BaseBackoff,
		MaxBackoff:       cfg.Queue.MaxBackoff,
		RateLimitBackoff: cfg.Queue.RateLimitBackoff,
	})

	opts.DataDir = cfg.DataDir
	opts.MaxConcurrentBatches = cfg.MaxConcurrentBatches
	opts.MaxClipsPerBatch = cfg.MaxClipsPerBatch
	opts.Eligibility = batch.Eligibility{
		MaxFileSizeBytes:   cfg.Eligibility.MaxFileSizeBytes,
		MaxDurationSeconds: cfg.Eligibility.MaxDurationSeconds,
	}
	opts.Retriever = retrieve.NewHTTPRetriever(retrieve.Options{
		Timeout:   cfg.Retrieval.HTTPTimeout,
		UserAgent: cfg.Retrieval.UserAgent,
	})

	svc := &service{
		supervisor: supervisor,
		limiter:    limiter,
		queue:      q,
		manager:    batch.NewManager(supervisor, q, opts),
	}

	if cfg.History.Enabled {
		recorder, err := history.Open(cfg.History.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		supervisor.OnTerminal(recorder.Hook())
		svc.recorder = recorder
	}
	return svc, nil
}

// startBackground runs the eviction sweep and limiter compaction until ctx is done.
func (s *service) startBackground(ctx context.Context, cfg config.Config) {
	go s.supervisor.Run(ctx)
	go func() {
		ticker := time.NewTicker(cfg.RateLimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.limiter.Compact(); n > 0 {
					log.Debug().Int("destinations", n).Msg("compacted rate limiter")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *service) Close() {
	s.supervisor.WaitHooks()
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("close history")
		}
	}
}

func setupRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	r.Use(api.RateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst))
	return r
}

func wireAPI(router *gin.Engine, svc *service, signer *api.LinkSigner) {
	// a signed link outlives neither the completed job nor its archive
	opts := []api.Option{api.WithLinkTTL(svc.supervisor.Policy().CompletedGrace)}
	if svc.recorder != nil {
		opts = append(opts, api.WithHistory(svc.recorder))
	}
	api.NewAPI(svc.manager, signer, opts...).RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *batch.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := m.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background batches did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
