package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"courier/internal/app"
	"courier/internal/backend"
	"courier/internal/config"
	logx "courier/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return app.ValidateConfig(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			Enabled:    cfg.Logging.Sink.Enabled,
			MinLevel:   cfg.Logging.Sink.MinLevel,
			RatePerSec: cfg.Logging.Sink.RatePerSec,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	be, err := backend.NewHTTP(backend.HTTPConfig{
		URL:   cfg.Backend.URL,
		Token: cfg.Backend.Token,
	}, log.With(logx.String("component", "backend")))
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	a, err := app.New(app.Options{
		Config:     cfg,
		Manager:    mgr,
		LogService: logSvc,
		Logger:     log,
		Backend:    be,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Info("systemd notified ready")
	}
	stopWatchdog := startWatchdog(ctx, log)

	<-ctx.Done()
	log.Info("shutdown signal received")
	stopWatchdog()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}

// startWatchdog pings the systemd watchdog at half its interval, if enabled.
func startWatchdog(ctx context.Context, log logx.Logger) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	}()
	log.Info("systemd watchdog armed", logx.Duration("interval", interval))
	return cancel
}
