package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"inkdash/internal/battery"
	"inkdash/internal/capture"
	"inkdash/internal/config"
	"inkdash/internal/epd"
	appLog "inkdash/internal/log"
	"inkdash/internal/scheduler"
	"inkdash/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values; they override the config file.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	simulate   bool
	debug      bool
}

func main() {
	flags := parseFlags()

	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("inkdash starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.simulate {
		conf.Display.Simulate = true
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"dashboard_url", conf.Capture.DashboardURL,
		"screenshot_path", conf.Capture.ScreenshotPath,
		"update_interval", conf.Schedule.UpdateInterval,
		"refresh", conf.Schedule.Refresh,
		"quiet_hours", conf.QuietHours.Enabled,
		"timezone", conf.Location().String(),
		"simulate", conf.Display.Simulate,
		"once", flags.once,
	)

	if err := os.MkdirAll(filepath.Dir(conf.Capture.ScreenshotPath), 0o755); err != nil {
		appLog.Error("failed to create screenshot directory", err, "path", conf.Capture.ScreenshotPath)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	sink, err := epd.Open(conf.Display)
	if err != nil {
		appLog.Error("failed to initialize display", err)
		os.Exit(1)
	}

	renderer := chromiumRenderer{capture.NewRenderer(capture.Options{
		Width:     conf.Capture.Width,
		Height:    conf.Capture.Height,
		ExecPath:  conf.Capture.ChromePath,
		NoSandbox: conf.Capture.NoSandbox,
	})}

	batteryReader := battery.FromConfig(ctx, conf.Battery)

	opts := []scheduler.Option{}
	if batteryReader != nil {
		opts = append(opts, scheduler.WithBattery(batteryReader))
	}

	sched, err := scheduler.New(scheduler.FromConfig(conf), renderer, sink, opts...)
	if err != nil {
		appLog.Error("failed to create scheduler", err)
		os.Exit(1)
	}

	if flags.once {
		if err := sched.RunOnce(ctx); err != nil {
			appLog.Error("single update failed", err, "outcome", scheduler.OutcomeOf(err).String())
			os.Exit(1)
		}
		appLog.Info("inkdash exiting")
		return
	}

	var wg sync.WaitGroup
	if conf.Listen != "" {
		srv := web.NewServer(conf, sched, batteryReader)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				appLog.Error("HTTP status server failed", err)
			}
		}()
	}

	if err := sched.Run(ctx); err != nil {
		appLog.Error("update scheduler stopped", err)
	}

	cancel()
	wg.Wait()
	appLog.Info("inkdash exiting")
}

// chromiumRenderer adapts capture.Renderer to scheduler.Renderer.
type chromiumRenderer struct {
	*capture.Renderer
}

func (r chromiumRenderer) Open(ctx context.Context) (scheduler.Session, error) {
	s, err := r.Renderer.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/inkdash/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP status server address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one capture+display cycle immediately and exit")
	flag.BoolVar(&cfg.simulate, "simulate", false, "Do not touch display hardware")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
