// Command songcdn is a caching delivery server for a song video catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wannadance/songcdn/server"
	"github.com/wannadance/songcdn/telemetry"
)

var version = "dev"

type cli struct {
	Address      string `help:"Address to listen on." default:":8080"`
	CacheDir     string `help:"Artifact cache directory." default:"./cache" type:"path"`
	OverridesDir string `help:"Local song directory watched for overrides." type:"path"`
	CatalogURL   string `help:"Upstream song descriptor list URL."`

	RefreshInterval time.Duration `help:"Catalog poll interval." default:"15m"`
	CacheTTL        time.Duration `help:"Evict artifacts unread for this long (0 disables)." default:"168h"`
	CacheMaxSize    int64         `help:"Maximum cache size in bytes (0 disables)." default:"10737418240"`
	SweepInterval   time.Duration `help:"How often to run eviction sweeps." default:"1h"`

	TranscodeWorkers    int     `help:"Concurrent ffmpeg conversions." default:"2"`
	TranscodeQueueDepth int     `help:"Pending conversion queue length." default:"16"`
	OriginRPS           float64 `help:"Origin request rate limit (0 disables)."`
	OriginBurst         int     `help:"Origin rate limiter burst." default:"4"`
	NoWarmFill          bool    `help:"Stop fills when the last client disconnects."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("songcdn"),
		kong.Description("Caching delivery server for a song video catalog."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger := newLogger(flags.LogLevel, flags.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "songcdn",
		ServiceVersion:   version,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:                flags.Address,
		CacheDir:               flags.CacheDir,
		OverridesDir:           flags.OverridesDir,
		CatalogURL:             flags.CatalogURL,
		CatalogRefreshInterval: flags.RefreshInterval,
		CacheTTL:               flags.CacheTTL,
		CacheMaxSize:           flags.CacheMaxSize,
		SweepInterval:          flags.SweepInterval,
		TranscodeWorkers:       flags.TranscodeWorkers,
		TranscodeQueueDepth:    flags.TranscodeQueueDepth,
		OriginRPS:              flags.OriginRPS,
		OriginBurst:            flags.OriginBurst,
		DisableWarmFill:        flags.NoWarmFill,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return shutdownMetrics(shutdownCtx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(handler)
}
