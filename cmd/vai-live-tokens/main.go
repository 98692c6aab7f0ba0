package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-live/pkg/live/config"
	"github.com/vango-go/vai-live/pkg/live/credential"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/tokens"
)

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	newIssuer    func(ctx context.Context, cfg config.Config) (credential.Issuer, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.LoadFromEnv,
		newIssuer: func(ctx context.Context, cfg config.Config) (credential.Issuer, error) {
			return credential.NewGenAIIssuer(ctx, cfg.APIKey)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.TokensAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
	}
}

func runServer(ctx context.Context, logOut io.Writer, deps serverDeps) error {
	if deps.loadConfig == nil || deps.newIssuer == nil {
		return errors.New("missing config or issuer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logOut == nil {
		logOut = os.Stderr
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	issuer, err := deps.newIssuer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create issuer: %w", err)
	}
	srv, err := tokens.New(tokens.Options{
		Issuer:    issuer,
		Defaults:  cfg.Constraints(),
		APIKeys:   cfg.TokensAPIKeys,
		RateLimit: tokens.RateLimit{
			RPS:   cfg.TokensRPS,
			Burst: cfg.TokensBurst,
		},
		Logger:    logger,
		Metrics:   metrics.New("vai_live_tokens"),
	})
	if err != nil {
		return fmt.Errorf("create token server: %w", err)
	}
	if len(cfg.TokensAPIKeys) == 0 {
		logger.Warn("VAI_LIVE_TOKENS_API_KEYS is empty; token endpoint is unauthenticated")
	}

	httpSrv := buildHTTPServer(cfg, srv.Handler())
	logger.Info("starting token service", "addr", cfg.TokensAddr, "model", cfg.Model)

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
		logger.Info("context done; shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("token service stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-live-tokens: %v\n", err)
		return 1
	}
	if err := runServer(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-live-tokens: %v\n", err)
		return 1
	}
	return 0
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
