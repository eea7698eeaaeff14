package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"boussoled/internal/config"
	"boussoled/internal/logging"
	"boussoled/internal/web"
)

func main() {
	var configPath string
	var summaryPath string
	flag.StringVar(&configPath, "config", "./boussoled.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of a recorded input log and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath); err != nil {
			fmt.Fprintf(os.Stderr, "log summary failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logs := web.NewLogBuffer(2000)
	logger, err := newLogger(cfg.Log, io.MultiWriter(os.Stderr, logs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("boussoled starting", slog.String("config", configPath), slog.String("mode", cfg.Compass.Mode))
	if err := run(ctx, cfg, configPath, logger, logs); err != nil && !errors.Is(err, context.Canceled) {
		logging.LogError(logger, "boussoled stopped", err)
		os.Exit(1)
	}
	logger.Info("boussoled stopping")
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(w, level, c.Format)
}

// run blocks until ctx is done or a component fails fatally.
func run(ctx context.Context, cfg config.Config, configPath string, logger *slog.Logger, logs *web.LogBuffer) error {
	rt, err := newRuntime(cfg, configPath, logger, logs)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-rt.Fatal():
		return err
	}
}
