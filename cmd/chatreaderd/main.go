package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/runtime"
	"github.com/loqalabs/chatreader/internal/settings"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "chatreader.yaml", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file loaded before the environment overrides")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootstrap.Warn("failed to load env file", slog.String("path", envPath), slog.String("error", err.Error()))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Telemetry.LogLevel)); err != nil {
		bootstrap.Warn("unknown log level, using info", slog.String("level", cfg.Telemetry.LogLevel))
		level = slog.LevelInfo
	}
	console := consoleHandler(cfg.Telemetry.LogFormat, level)
	base := slog.New(console)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(ctx, cfg.Settings, base)
	if err != nil {
		base.Error("failed to open settings store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	st := settings.New(store, cfg.Settings.MaxLogEntries, base)
	if err := st.Load(ctx); err != nil {
		base.Error("failed to load settings", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(settings.NewLogHandler(st, console, level))
	rt := runtime.New(cfg, logger, st, runtime.WithVersion(version))

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		store.Close()
		os.Exit(1)
	}

	base.Info("shutdown complete")
}

func consoleHandler(format string, level slog.Level) slog.Handler {
	if format == "console" {
		return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
}
