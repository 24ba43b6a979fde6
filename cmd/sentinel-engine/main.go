package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vrcsentinel/sentinel/internal/api"
	"github.com/vrcsentinel/sentinel/internal/cache"
	"github.com/vrcsentinel/sentinel/internal/config"
	"github.com/vrcsentinel/sentinel/internal/engine"
	"github.com/vrcsentinel/sentinel/internal/metrics"
	"github.com/vrcsentinel/sentinel/internal/repo"
	"github.com/vrcsentinel/sentinel/internal/services"
	"github.com/vrcsentinel/sentinel/internal/traces"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

func main() {
	os.Exit(run())
}

// run boots the service, or performs a single analysis when -analyze is set, and returns the
// process exit code so deferred cleanup always runs.
func run() int {
	var configPath, analyzeID string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&analyzeID, "analyze", "", "Analyze one usr_/avtr_ identifier, print the verdict as JSON and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return 1
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName, logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	cacheProvider := newCacheProvider(cfg.Cache, logger)
	defer cacheProvider.Close()

	analyzer, err := buildAnalyzer(cfg, cacheProvider, logger)
	if err != nil {
		logger.Error("failed to build analyzer", slog.Any("error", err))
		return 1
	}

	if analyzeID != "" {
		return analyzeOnce(ctx, analyzer, analyzeID, logger)
	}

	logger.Info("starting vrc-sentinel", slog.String("address", cfg.Server.Address))
	service := services.NewAnalysisService(logger, analyzer)

	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		return 1
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("vrc-sentinel stopped", slog.Duration("p95", service.LatencyP95()))
	return 0
}

func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if cfg.Enabled && cfg.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			return provider
		}
		logger.Warn("redis cache unavailable, using in-process cache", slog.Any("error", err))
	}
	if cfg.EvidenceTTL > 0 {
		return cache.NewMemoryProvider(cache.DefaultMemoryEntries)
	}
	return cache.NoopProvider{}
}

func buildAnalyzer(cfg *config.Config, cacheProvider cache.Provider, logger *slog.Logger) (*engine.Analyzer, error) {
	vrc := cfg.Clients.VRChat
	sessions := repo.NewSessionManager(repo.SessionConfig{
		BaseURL:   vrc.BaseURL,
		LoginPath: vrc.LoginPath,
		Username:  vrc.Username,
		Password:  vrc.Password,
		UserAgent: vrc.UserAgent,
		Timeout:   vrc.Timeout,
		TTL:       vrc.SessionTTL,
	}, nil, logger)

	remote := repo.NewVRChatClient(repo.VRChatConfig{
		BaseURL:           vrc.BaseURL,
		UserPath:          vrc.UserPath,
		AvatarPath:        vrc.AvatarPath,
		UserAgent:         vrc.UserAgent,
		Timeout:           vrc.Timeout,
		RequestsPerSecond: vrc.RateLimit.RPS,
		Burst:             vrc.RateLimit.Burst,
		EvidenceTTL:       cfg.Cache.EvidenceTTL,
	}, sessions, nil, cacheProvider, logger)

	local, err := repo.NewLocalStore(repo.LocalStoreConfig{
		Path:        cfg.LocalStore.Path,
		TablePrefix: cfg.LocalStore.TablePrefix,
		MaxVisits:   cfg.LocalStore.MaxVisits,
		ChurnWindow: cfg.LocalStore.ChurnWindow,
		BusyTimeout: cfg.LocalStore.BusyTimeout,
	}, nil, logger)
	if err != nil {
		return nil, err
	}

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return nil, err
	}

	return engine.NewAnalyzer(logger, remote, local, rules, engine.NewAggregator(nil)), nil
}

// analyzeOnce prints the verdict for raw and returns the process exit code.
func analyzeOnce(ctx context.Context, analyzer *engine.Analyzer, raw string, logger *slog.Logger) int {
	verdict, err := analyzer.Analyze(ctx, raw)
	if err != nil {
		logger.Error("analysis aborted", slog.String("kind", string(utils.KindOf(err))), slog.Any("error", err))
		return 2
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		logger.Error("failed to write verdict", slog.Any("error", err))
		return 1
	}
	return 0
}
