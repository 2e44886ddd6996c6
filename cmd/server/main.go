package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ace-proxy/internal/engine"
	"ace-proxy/internal/platform/config"
	"ace-proxy/internal/platform/logger"
	"ace-proxy/internal/platform/metrics"
	"ace-proxy/internal/proxy"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	listenAddr := config.GetEnv("LISTEN_ADDR", ":8080")
	aceHost := config.GetEnv("ACE_HOST", "localhost")
	acePort := config.GetEnvInt("ACE_PORT", 6878)
	aceScheme := config.GetEnv("ACE_SCHEME", "http")
	chunkSize := config.GetEnvInt("CHUNK_SIZE", proxy.DefaultChunkSize)
	backlogChunks := config.GetEnvInt("BACKLOG_CHUNKS", proxy.DefaultBacklogChunks)
	idleGrace := config.GetEnvDuration("IDLE_GRACE", proxy.DefaultIdleGrace)
	connectTimeout := config.GetEnvDuration("CONNECT_TIMEOUT", 3*time.Second)
	overflowPolicy := proxy.ParseOverflowPolicy(config.GetEnv("OVERFLOW_POLICY", "disconnect"))
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	met := metrics.New()
	eng := engine.NewClient(aceScheme, aceHost, acePort, connectTimeout, log)
	reg := proxy.NewRegistry(eng, proxy.Options{
		ChunkSize:     chunkSize,
		BacklogChunks: backlogChunks,
		IdleGrace:     idleGrace,
		Overflow:      overflowPolicy,
	}, log, met)
	h := proxy.NewHandler(reg, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(reg.ActiveSessionCount())
			met.SetAttachedClients(reg.SubscriberCount())
		}).ServeHTTP(w, req)
	})
	r.Get("/healthz", h.Health)
	r.Get("/ace/getstream", h.GetStream)
	r.Get("/ace/getstream/", h.GetStream)
	r.Get("/ace/status", h.Status)

	srv := &http.Server{Addr: listenAddr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"listen_addr", listenAddr,
		"engine", aceScheme+"://"+aceHost,
		"engine_port", acePort,
		"overflow_policy", overflowPolicy.String(),
		"idle_grace", idleGrace.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := reg.Close(ctx); err != nil {
		log.Error("session drain error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
