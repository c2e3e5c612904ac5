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

	"go.uber.org/zap"

	"github.com/hanko-field/cartengine/internal/platform/config"
	"github.com/hanko-field/cartengine/internal/platform/observability"
	"github.com/hanko-field/cartengine/internal/platform/requestctx"
)

func main() {
	src, err := config.NewSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read environment: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(src.Get("CART_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(src, logger.Named("cart")); err != nil {
		logger.Error("cart engine stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(src config.Source, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = requestctx.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, src, logger.Named("secrets"))
	if err != nil {
		return fmt.Errorf("secret resolver: %w", err)
	}
	defer closeQuietly(logger, "secret resolver", resolver.Close)

	cfg, err := config.Load(ctx, src,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(src)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("required secrets resolved empty", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	app, err := assemble(ctx, cfg, buildInfo(src, cfg, time.Now().UTC()), logger)
	if err != nil {
		return err
	}
	defer app.close()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("cart engine listening", zap.String("addr", server.Addr), zap.String("environment", cfg.Security.Environment))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received; draining requests")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func closeQuietly(logger *zap.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("close failed", zap.String("component", what), zap.Error(err))
	}
}
