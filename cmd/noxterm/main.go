package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nonos/noxterm/internal/api"
	"github.com/nonos/noxterm/internal/config"
	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/lifecycle"
	"github.com/nonos/noxterm/internal/privacy"
	"github.com/nonos/noxterm/internal/session"
	"github.com/nonos/noxterm/internal/store"
	"github.com/nonos/noxterm/internal/stream"
)

func main() {
	cfgPath := flag.String("config", "", "path to noxterm.yaml")
	listen := flag.String("listen", "", "override listen address (host:port)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(logger); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DBPath, cfg.DBMaxConns)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New(logger)
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	relay := privacy.NewSupervisor(cfg.Privacy, logger)
	if cfg.Privacy.Autostart {
		if err := relay.Start(ctx); err != nil {
			logger.Warn("relay autostart failed, continuing without proxied egress", "error", err)
		}
	}

	mgr := session.NewManager(cfg, st, dc, relay, logger)
	engine := stream.NewEngine(dc, mgr, relay,
		time.Duration(cfg.Lifecycle.IdleTimeoutSeconds)*time.Second, logger)

	recon := lifecycle.New(st, dc, cfg.Lifecycle, logger)
	go func() {
		if err := recon.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	srv := api.NewServer(cfg, mgr, st, recon, relay, engine, dc, logger)

	addr := cfg.Listen()
	if *listen != "" {
		addr = *listen
	}

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: PTY websockets are long-lived
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		if err := relay.Stop(shutdownCtx); err != nil {
			logger.Warn("stopping relay", "error", err)
		}
	}()

	logger.Info("listening", "addr", addr, "environment", cfg.Environment)
	fmt.Fprintf(os.Stderr, "\n  noxterm daemon ready at http://%s\n\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
