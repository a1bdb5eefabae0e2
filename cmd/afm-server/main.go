package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afm/gateway/pkg/foundation"
	"github.com/afm/gateway/pkg/foundationengine"
	"github.com/afm/gateway/pkg/gateway"
	"github.com/afm/gateway/pkg/logging"
	"github.com/afm/gateway/pkg/memory"
	"github.com/afm/gateway/pkg/mlxcache"
	"github.com/afm/gateway/pkg/mlxengine"
	"github.com/afm/gateway/pkg/mlxmodel"
	"github.com/afm/gateway/pkg/middleware"
)

// Version is the build version reported by GET /health.
var Version = "dev"

// GracefulShutdownTimeout bounds the server's drain-on-shutdown window
// (spec.md §5: "30 s for graceful shutdown").
const GracefulShutdownTimeout = 30 * time.Second

func main() {
	log := logrus.New()
	if os.Getenv("AFM_DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	}
	logger := logging.NewLogrusAdapter(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cacheRoot := os.Getenv("MACAFM_MLX_MODEL_CACHE")
	if cacheRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("afm-server: failed to resolve home directory: %v", err)
		}
		cacheRoot = filepath.Join(home, ".afm", "mlx-models")
	}
	os.Setenv("HF_HOME", cacheRoot)
	os.Setenv("HUGGINGFACE_HUB_CACHE", cacheRoot)

	registryPath := os.Getenv("AFM_MLX_REGISTRY_PATH")
	if registryPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("afm-server: failed to resolve home directory: %v", err)
		}
		registryPath = filepath.Join(home, ".afm", "mlx-model-registry.json")
	}

	resolver := mlxcache.NewResolver(cacheRoot)
	registry, err := mlxcache.NewRegistry(registryPath)
	if err != nil {
		log.Fatalf("afm-server: failed to open model registry: %v", err)
	}
	fetcher := mlxcache.NewFetcher()
	downloader := mlxcache.NewDownloader(fetcher)
	memConfigurator := memory.NewConfigurator(memory.NewDefaultRAMDetector())

	mlxService := mlxmodel.NewService(resolver, registry, fetcher, downloader, memConfigurator, mlxengine.DefaultFactory)

	shared := foundation.NewSharedSession()
	if err := shared.Init(foundation.Config{}, foundationengine.DefaultFactory, func(msg string) { logger.Warn(msg) }); err != nil {
		logger.WithError(err).Warn("afm-server: foundation session unavailable, /v1/chat/completions foundation route will return 503")
	}

	discovery := gateway.NewDiscovery(logger, http.DefaultClient, port(os.Getenv("AFM_PORT")))
	discoveryCtx, stopDiscovery := context.WithCancel(ctx)
	defer stopDiscovery()
	go discovery.Run(discoveryCtx)

	proxy := gateway.NewProxy(logger, http.DefaultClient)
	router := gateway.NewRouter(logger, shared, mlxService, discovery, proxy, Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", router.HandleHealth)
	mux.HandleFunc("GET /v1/models", router.HandleModels)
	mux.HandleFunc("POST /v1/models/load", router.HandleModelLoad)
	mux.HandleFunc("POST /v1/models/unload", router.HandleModelLoad)
	mux.HandleFunc("POST /v1/chat/completions", router.HandleChatCompletion)
	mux.HandleFunc("GET /props", router.HandleProps)

	handler := middleware.CorsMiddleware(nil, mux)

	addr := ":" + envOr("AFM_PORT", "8089")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infof("afm-server: listening on %s", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("afm-server: server error")
		}
	case <-ctx.Done():
		logger.Info("afm-server: shutdown signal received")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("afm-server: http server shutdown error")
		}
		if err := mlxService.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("afm-server: mlx service shutdown error")
		}
	}

	logger.Info("afm-server: stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func port(raw string) int {
	if raw == "" {
		return 8089
	}
	value := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 8089
		}
		value = value*10 + int(r-'0')
	}
	return value
}
