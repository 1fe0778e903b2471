// Command agent runs the browserlink agent: it keeps one WebSocket link to
// the controller, relays browser commands to a Playwright-driven Chromium,
// and serves the local control API for the hosting UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/activity"
	"github.com/browserlink/browserlink/internal/api"
	"github.com/browserlink/browserlink/internal/browser"
	"github.com/browserlink/browserlink/internal/config"
	"github.com/browserlink/browserlink/internal/relay"
	"github.com/browserlink/browserlink/internal/store"
	"github.com/browserlink/browserlink/internal/transport"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		dev     = flag.Bool("dev", false, "human-readable logging")
	)
	flag.Parse()

	log, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(*cfgPath, log); err != nil {
		log.Fatal("agent failed", zap.Error(err))
	}
}

func run(cfgPath string, log *zap.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	provider := config.NewProvider(cfgPath, cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir %s: %w", cfg.DataDir, err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	buffer := activity.NewBuffer(db, log)

	exec := browser.NewExecutor(db, buffer, browser.Options{
		Headless:      cfg.Headless,
		ScreenshotDir: cfg.ScreenshotDir(),
	}, log)
	if err := exec.Start(); err != nil {
		return err
	}
	defer exec.Stop() //nolint:errcheck

	mgr := relay.NewManager(transport.NewWSDialer(log), settings{provider}, buffer, log)
	rl := relay.New(mgr, exec, buffer, log, cfg.CommandTimeout.Std())
	exec.SetReporter(rl)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(rl, db, provider, log),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("control API listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if cfg.ServerURL != "" {
		rl.Connect()
	} else {
		log.Info("no server_url configured; waiting for settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		return fmt.Errorf("control API: %w", err)
	}

	rl.Disconnect()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// settings adapts the config provider to the relay's settings interface.
type settings struct {
	p *config.Provider
}

func (s settings) Endpoint() relay.Endpoint {
	ep := s.p.Endpoint()
	return relay.Endpoint{URL: ep.URL, DisplayName: ep.DisplayName}
}

func (s settings) Capabilities() []string { return s.p.Capabilities() }

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
