package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dawsonblock/ISLAND/server/internal/api"
	"github.com/dawsonblock/ISLAND/server/internal/config"
	"github.com/dawsonblock/ISLAND/server/internal/telemetry"
)

func main() {
	// 参数只有配置路径与角色；密钥走环境变量或 SSM（见 config.ResolveSecrets）。
	configPath := flag.String("config", "server/configs/config.yaml", "config file path")
	role := flag.String("role", "", "override the configured role (host|peer)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *role != "" {
		cfg.Role = *role
		if err := cfg.Validate(); err != nil {
			log.Fatalf("validate config: %v", err)
		}
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Printf("[Island] ❌ %v", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	cloud, err := newCloudDeps(ctx, cfg)
	if err != nil {
		return err
	}
	if err := cfg.ResolveSecrets(ctx, cloud.params); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, cfg.Role, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	voice := newVoice(cfg, logger)
	defer voice.close()

	var nd *node
	switch cfg.Role {
	case config.RoleHost:
		nd, err = buildHost(ctx, cfg, cloud, voice, logger)
	case config.RolePeer:
		nd, err = buildPeer(ctx, cfg, voice, logger)
	default:
		err = fmt.Errorf("unknown role %q", cfg.Role)
	}
	if err != nil {
		return err
	}
	defer nd.close()

	server := api.NewServer(nd.deps)
	// WebSocket 是长连接，write_timeout 为 0 时由各连接自己的 write deadline 控制。
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[Island] %s listening on %s", cfg.Role, httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Printf("[Island] shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newLogger 按配置创建进程日志，gin 的访问日志写到同一位置。
func newLogger(cfg config.LoggingConfig) (*log.Logger, func(), error) {
	var (
		w       io.Writer
		closeFn = func() {}
	)
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}
	flags := log.LstdFlags
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}
	log.SetOutput(w)
	log.SetFlags(flags)
	gin.DefaultWriter = w
	gin.DefaultErrorWriter = w
	return log.New(w, "", flags), closeFn, nil
}
