package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwrk-planet/collab-relay/config"
	"github.com/cwrk-planet/collab-relay/internal/bus"
	"github.com/cwrk-planet/collab-relay/internal/metrics"
	"github.com/cwrk-planet/collab-relay/internal/registry"
	"github.com/cwrk-planet/collab-relay/internal/service"
	grpcx "github.com/cwrk-planet/collab-relay/internal/transport/grpc"
	httpx "github.com/cwrk-planet/collab-relay/internal/transport/http"
	"github.com/cwrk-planet/collab-relay/internal/transport/ws"
	"github.com/cwrk-planet/collab-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	// .env нужен только локально
	_ = godotenv.Load()

	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging.level: %v", err)
	}
	instanceID := uuid.NewString()
	logger.Init(logger.Config{
		Env:        logger.Env(cfg.Logging.Env),
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		InstanceID: instanceID,
		Backend:    logger.Backend(cfg.Logging.Backend),
		Level:      level,
		AddSource:  cfg.Logging.AddSource,
		Debug:      cfg.Logging.Debug,
	})
	slog.Info("starting collab-relay",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- relay core ---
	reg := registry.New()
	m := metrics.New()
	hub := ws.NewHub()
	relay := service.NewRelayService(reg, hub, m)

	// --- redis bus (optional) ---
	if cfg.RedisEnabled() {
		b, err := bus.NewRedisBus(ctx, bus.Config{
			Addr:          cfg.Redis.Addr,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			InstanceID:    instanceID,
		})
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer func() { _ = b.Close() }()

		relay.SetPublisher(b, cfg.WS.WriteWait)
		go b.Subscribe(ctx, relay.DeliverRemote)
		slog.Info("redis bus enabled", "addr", cfg.Redis.Addr)
	}

	// --- WS ---
	wsServer := ws.NewServer(hub, relay, ws.Options{
		PingPeriod:      cfg.WS.PingPeriod,
		PongWait:        cfg.WS.PongWait,
		WriteWait:       cfg.WS.WriteWait,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		SendBuffer:      cfg.WS.SendBuffer,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	})

	// --- HTTP ---
	handler := httpx.NewHandler(reg)
	router := httpx.NewRouter(httpx.Deps{
		Handler:        handler,
		WS:             wsServer.HandleWS,
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	// без Read/WriteTimeout: они бы рвали долгоживущие websocket
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	httpSrv.RegisterOnShutdown(hub.CloseAll)

	// --- gRPC health ---
	grpcSrv := grpcx.NewServer(cfg.GRPC.Addr)

	// --- run both servers ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		if err := grpcSrv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	handler.SetReady(false)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	grpcSrv.Stop(ctxShutdown)
	if err := httpSrv.Shutdown(ctxShutdown); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	slog.Info("stopped", "participants", reg.Len(), "connections", hub.Len())
}
