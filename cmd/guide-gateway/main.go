package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/argonauts-live/pkg/config"
	gatewayserver "github.com/vango-go/argonauts-live/pkg/gateway/server"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
)

type gatewayDeps struct {
	loadConfig   func() (config.Gateway, error)
	newDialer    func(ctx context.Context, apiKey string) (live.Dialer, error)
	newGateway   func(config.Gateway, live.Dialer, *slog.Logger, ...gatewayserver.Option) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadGatewayFromEnv,
		newDialer: func(ctx context.Context, apiKey string) (live.Dialer, error) {
			return live.NewGenAIDialer(ctx, apiKey)
		},
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Gateway, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newDialer == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var opts []gatewayserver.Option
	if cfg.VocabularyPath != "" {
		vocab, err := detect.LoadVocabulary(cfg.VocabularyPath)
		if err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
		opts = append(opts, gatewayserver.WithVocabulary(vocab))
	}

	dialer, err := deps.newDialer(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	gw := deps.newGateway(cfg, dialer, logger, opts...)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting guide gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"backend", cfg.BackendURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)
	warned := gw.Sessions().WarnAll("draining", "gateway is shutting down")
	logger.Info("draining guide sessions", "sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.Sessions().Wait(waitCtx) {
		n := gw.Sessions().CancelAll()
		logger.Warn("grace period elapsed, closing guide sessions", "sessions", n)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("guide gateway stopped")
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "guide-gateway: %v\n", err)
		return 1
	}

	level, err := config.ParseLevel(os.Getenv("GUIDE_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "guide-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
