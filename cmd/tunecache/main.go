// Command tunecache runs the caching media bot: it resolves requested
// tracks through the delivery and local artifact caches, fetching from
// the origin only on a total miss.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/tunecache/tunecache/backend"
	"github.com/tunecache/tunecache/bot"
	"github.com/tunecache/tunecache/cache"
	"github.com/tunecache/tunecache/expiry"
	"github.com/tunecache/tunecache/fetch"
	"github.com/tunecache/tunecache/resolve"
	"github.com/tunecache/tunecache/server"
	"github.com/tunecache/tunecache/store"
	"github.com/tunecache/tunecache/telegram"
	"github.com/tunecache/tunecache/telemetry"
)

var version = "dev"

type cli struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Run    runCmd    `cmd:"" default:"withargs" help:"Run the bot."`
	Sweep  sweepCmd  `cmd:"" help:"Run one expiry sweep and exit."`
	Export exportCmd `cmd:"" help:"Export a catalog snapshot."`
}

type runCmd struct {
	Token   string `env:"BOT_TOKEN" required:"" help:"Bot API token."`
	Storage string `default:"./cache" help:"Storage directory path."`

	TTL           time.Duration `default:"1h" help:"Local artifact time-to-live."`
	SweepInterval time.Duration `default:"10m" help:"How often the expiry sweeper runs."`
	KeepArtifacts bool          `default:"true" negatable:"" help:"Retain fetched files until the TTL sweep."`

	MaxConcurrent int `default:"5" help:"Maximum concurrent fetches per batch."`
	ProgressEvery int `default:"3" help:"Send a batch progress notice every Nth completion."`

	YTDLPBinary  string        `default:"yt-dlp" help:"Path to the yt-dlp binary."`
	FetchTimeout time.Duration `default:"10m" help:"Per-fetch timeout."`
	Attribution  string        `help:"Caption appended to freshly fetched deliveries."`

	PollWindow time.Duration `default:"50s" help:"Long-poll window for updates."`

	AdminAddr        string `default:":8080" help:"Admin server listen address."`
	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metrics export."`
	EnablePrometheus bool   `help:"Serve Prometheus metrics on the admin server."`
}

func (c *runCmd) Run(logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tunecache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	catalog, err := store.Open(filepath.Join(c.Storage, "catalog.db"),
		store.WithLogger(logger.With("component", "catalog")))
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	files, err := backend.NewFilesystem(c.Storage)
	if err != nil {
		return fmt.Errorf("creating storage backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(files, "filesystem")

	messenger := telegram.NewClient(c.Token,
		telegram.WithHTTPClient(&http.Client{
			Timeout:   telegram.DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "telegram"),
		}),
		telegram.WithClientLogger(logger.With("component", "telegram")),
	)

	ytdlp, err := fetch.NewYTDLP(filepath.Join(c.Storage, "work"),
		fetch.WithBinary(c.YTDLPBinary),
		fetch.WithTimeout(c.FetchTimeout),
		fetch.WithYTDLPLogger(logger.With("component", "ytdlp")),
	)
	if err != nil {
		return fmt.Errorf("creating fetcher: %w", err)
	}

	delivery := cache.NewDeliveryCache(catalog.Delivery(), messenger,
		cache.WithDeliveryLogger(logger.With("component", "delivery_cache")))
	artifacts := cache.NewArtifactCache(catalog.Artifacts(), instrumented, messenger, c.TTL,
		cache.WithArtifactLogger(logger.With("component", "artifact_cache")))

	resolver := resolve.NewResolver(delivery, artifacts,
		fetch.NewPipeline(ytdlp, fetch.WithLogger(logger.With("component", "fetch"))),
		messenger,
		resolve.WithKeepArtifacts(c.KeepArtifacts),
		resolve.WithAttribution(c.Attribution),
		resolve.WithLogger(logger.With("component", "resolver")),
	)

	sweeper := expiry.NewSweeper(artifacts, expiry.Config{
		CheckInterval: c.SweepInterval,
		Logger:        logger.With("component", "sweeper"),
	})
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweeper.Stop()

	handler := bot.NewHandler(messenger, resolver, ytdlp, catalog, bot.HandlerConfig{
		Batch: resolve.BatchConfig{
			MaxConcurrent: c.MaxConcurrent,
			ProgressEvery: c.ProgressEvery,
		},
		Logger: logger.With("component", "bot"),
	})

	admin := server.New(server.Config{
		Address: c.AdminAddr,
		Catalog: catalog,
		Logger:  logger.With("component", "admin"),
	})
	adminErr := make(chan error, 1)
	go func() {
		if err := admin.Start(); err != nil && err != http.ErrServerClosed {
			adminErr <- err
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = admin.Shutdown(shutdownCtx)
	}()

	logger.Info("bot started",
		"version", version,
		"storage", c.Storage,
		"ttl", c.TTL,
		"admin", admin.Address(),
		"delivery_entries", catalog.Delivery().Len(),
		"artifact_entries", catalog.Artifacts().Len(),
	)

	pollErr := make(chan error, 1)
	go func() {
		pollErr <- c.pollUpdates(ctx, messenger, handler, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-adminErr:
		return fmt.Errorf("admin server: %w", err)
	case err := <-pollErr:
		return err
	}
}

// pollUpdates is the inbound loop: long-poll for updates and hand each
// message to the handler. Handling runs per message so one slow fetch
// never blocks the poll.
func (c *runCmd) pollUpdates(ctx context.Context, client *telegram.Client, handler *bot.Handler, logger *slog.Logger) error {
	var offset int64
	for {
		updates, err := client.GetUpdates(ctx, offset, c.PollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("failed to get updates", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil {
				continue
			}
			msg := update.Message
			go handler.HandleText(ctx, msg.Destination(), msg.Content())
		}
	}
}

type sweepCmd struct {
	Storage string        `default:"./cache" help:"Storage directory path."`
	TTL     time.Duration `default:"1h" help:"Local artifact time-to-live."`
}

func (c *sweepCmd) Run(logger *slog.Logger) error {
	catalog, err := store.Open(filepath.Join(c.Storage, "catalog.db"),
		store.WithLogger(logger.With("component", "catalog")))
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	files, err := backend.NewFilesystem(c.Storage)
	if err != nil {
		return fmt.Errorf("creating storage backend: %w", err)
	}

	artifacts := cache.NewArtifactCache(catalog.Artifacts(), files, nil, c.TTL,
		cache.WithArtifactLogger(logger.With("component", "artifact_cache")))

	sweeper := expiry.NewSweeper(artifacts, expiry.Config{
		Logger: logger.With("component", "sweeper"),
	})
	result := sweeper.RunOnce(context.Background())

	fmt.Printf("expired %d artifacts, freed %d bytes in %s\n",
		result.Expired, result.BytesFreed, result.Duration)
	if result.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", result.Errors)
	}
	return nil
}

type exportCmd struct {
	Storage string `default:"./cache" help:"Storage directory path."`
	Output  string `default:"-" help:"Output file, or - for stdout."`
}

func (c *exportCmd) Run(logger *slog.Logger) error {
	catalog, err := store.Open(filepath.Join(c.Storage, "catalog.db"),
		store.WithLogger(logger.With("component", "catalog")))
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	out := os.Stdout
	if c.Output != "-" {
		out, err = os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer func() { _ = out.Close() }()
	}

	if err := catalog.Export(out); err != nil {
		return fmt.Errorf("exporting catalog: %w", err)
	}
	return nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func main() {
	var flags cli
	ktx := kong.Parse(&flags,
		kong.Name("tunecache"),
		kong.Description("Caching media bot with tiered delivery reuse."),
		kong.UsageOnError(),
	)

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	ktx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ktx.FatalIfErrorf(ktx.Run(logger))
}
