package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/live/config"
	"github.com/vango-go/vai-live/pkg/live/credential"
)

func testDeps(cfg config.Config) serverDeps {
	return serverDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newIssuer: func(ctx context.Context, cfg config.Config) (credential.Issuer, error) {
			return credential.Static(credential.Credential{Name: "auth_tokens/x", Token: "x"}), nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Config{})
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	deps.newIssuer = func(ctx context.Context, cfg config.Config) (credential.Issuer, error) {
		t.Fatalf("newIssuer should not be called when config load fails")
		return nil, nil
	}

	var stderr bytes.Buffer
	if code := runMain(context.Background(), &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr=%q, want config error", stderr.String())
	}
}

func TestRunServer_IssuerFailure(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Config{Model: "m", LogLevel: "info"})
	deps.newIssuer = func(ctx context.Context, cfg config.Config) (credential.Issuer, error) {
		return nil, errors.New("no key")
	}
	var stderr bytes.Buffer
	err := runServer(context.Background(), &stderr, deps)
	if err == nil || !strings.Contains(err.Error(), "create issuer") {
		t.Fatalf("err=%v, want issuer error", err)
	}
}

func TestRunServer_StopsWhenContextDone(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: TCP listen not permitted in this environment: %v", err)
	}
	ln.Close()
	t.Parallel()

	cfg := config.Config{
		Model:               "m",
		TokensAddr:          "127.0.0.1:0",
		ShutdownGracePeriod: time.Second,
		LogLevel:            "info",
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stderr bytes.Buffer
	go func() { done <- runServer(ctx, &stderr, testDeps(cfg)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runServer did not stop")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	srv := buildHTTPServer(config.Config{TokensAddr: "127.0.0.1:9999"}, nil)
	if srv.Addr != "127.0.0.1:9999" {
		t.Fatalf("Addr=%q", srv.Addr)
	}
	if srv.ReadHeaderTimeout <= 0 {
		t.Fatalf("ReadHeaderTimeout must be set")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file error = %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VAI_LIVE_TEST_DOTENV=from-file\nVAI_LIVE_TEST_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VAI_LIVE_TEST_DOTENV_SET", "from-env")
	t.Setenv("VAI_LIVE_TEST_DOTENV", "")
	os.Unsetenv("VAI_LIVE_TEST_DOTENV")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
	if got := os.Getenv("VAI_LIVE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("VAI_LIVE_TEST_DOTENV=%q, want from-file", got)
	}
	if got := os.Getenv("VAI_LIVE_TEST_DOTENV_SET"); got != "from-env" {
		t.Fatalf("VAI_LIVE_TEST_DOTENV_SET=%q, want from-env", got)
	}
}
