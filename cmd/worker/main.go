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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-worker/internal/config"
	"github.com/lexiqai/speech-worker/internal/engine"
	"github.com/lexiqai/speech-worker/internal/events"
	"github.com/lexiqai/speech-worker/internal/observability"
	"github.com/lexiqai/speech-worker/internal/postproc"
	"github.com/lexiqai/speech-worker/internal/resilience"
	"github.com/lexiqai/speech-worker/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	model, err := config.LoadModelConfig(cfg.ModelConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load model configuration")
	}
	geometry, err := model.Geometry()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid chunk geometry")
	}

	workerID := observability.NewCorrelationID()
	logger.Info().
		Str("worker_id", workerID).
		Str("master", cfg.MasterURI).
		Str("engine_backend", cfg.EngineBackend).
		Int("slots", cfg.WorkerConcurrency).
		Int("window_size", geometry.WindowSize).
		Int("overlap_size", geometry.OverlapSize).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breaker := resilience.NewCircuitBreaker(cfg.EngineBackend, cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout))
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	factory := engine.WithInit(engineFactory(cfg, geometry.OverlapSize, breaker, logger), *model)

	filter, fullFilter, err := startFilters(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start post-processor")
	}
	defer filter.Close()
	defer fullFilter.Close()

	publisher := events.New(events.Config{
		Enabled:  cfg.KafkaEnabled,
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		WorkerID: workerID,
	}, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing transcript publisher")
		}
	}()

	w := worker.New(worker.Config{
		MasterURI:         cfg.MasterURI,
		Slots:             cfg.WorkerConcurrency,
		ConnectBackoff:    config.Seconds(cfg.ConnectBackoff),
		SessionPause:      config.Millis(cfg.SessionPauseMs),
		HeartbeatInterval: config.Seconds(cfg.HeartbeatInterval),
		Session: worker.Options{
			Timeouts: worker.Timeouts{
				Silence:  config.Seconds(cfg.SilenceTimeout),
				Frontend: config.Seconds(cfg.FrontendTimeout),
				Decoder:  config.Seconds(cfg.DecoderTimeout),
				Poll:     config.Millis(cfg.SupervisorIntervalMs),
			},
			Geometry:   geometry,
			Filter:     filter,
			FullFilter: fullFilter,
			Publisher:  publisher,
		},
	}, factory, logger)

	checks := map[string]observability.HealthCheckFunc{
		"master": w.CheckMaster,
		"engine": func(ctx context.Context) (bool, error) {
			if breaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      observability.NewRouter(checks, cfg.MetricsEnabled),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTPPort).Msg("Health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Worker exited gracefully")
}

// engineFactory returns a constructor for the configured backend. Every
// slot gets its own engine; they share one circuit breaker. The model
// configuration is applied by engine.WithInit.
func engineFactory(cfg *config.Config, overlap int, breaker *resilience.CircuitBreaker, logger zerolog.Logger) engine.Factory {
	switch cfg.EngineBackend {
	case config.BackendDeepgram:
		return func(ctx context.Context) (engine.Engine, error) {
			eng, err := engine.NewDeepgramEngine(engine.DeepgramConfig{
				APIKey:       cfg.DeepgramAPIKey,
				Model:        cfg.DeepgramModel,
				Language:     cfg.DeepgramLanguage,
				OverlapSize:  overlap,
				FinalizeWait: config.Millis(cfg.DeepgramFinalizeWait),
				Breaker:      breaker,
			}, logger)
			if err != nil {
				return nil, err
			}
			return eng, nil
		}

	case config.BackendMock:
		return func(ctx context.Context) (engine.Engine, error) {
			logger.Warn().Msg("Using mock inference engine")
			return engine.NewMock(), nil
		}

	default:
		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = cfg.RetryMaxAttempts
		retry.InitialBackoff = config.Millis(cfg.RetryInitialBackoff)
		return func(ctx context.Context) (engine.Engine, error) {
			eng, err := engine.NewGRPCEngine(ctx, engine.GRPCConfig{
				Target:  cfg.EngineURL,
				TLS:     cfg.EngineTLSEnabled,
				Timeout: config.Seconds(cfg.EngineTimeout),
				Breaker: breaker,
				Retry:   retry,
			}, logger)
			if err != nil {
				return nil, err
			}
			return eng, nil
		}
	}
}

func startFilters(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*postproc.Filter, *postproc.FullFilter, error) {
	var (
		filter *postproc.Filter
		full   *postproc.FullFilter
		err    error
	)
	if cfg.PostProcessor != "" {
		filter, err = postproc.StartFilter(ctx, cfg.PostProcessor, logger)
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.FullPostProcessor != "" {
		full, err = postproc.StartFullFilter(ctx, cfg.FullPostProcessor, logger)
		if err != nil {
			_ = filter.Close()
			return nil, nil, err
		}
	}
	return filter, full, nil
}
