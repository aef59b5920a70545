// Package app initializes and holds the long-lived bot services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/archivebot/internal/archive"
	"github.com/JakeFAU/archivebot/internal/bookmark"
	"github.com/JakeFAU/archivebot/internal/clock/system"
	"github.com/JakeFAU/archivebot/internal/config"
	"github.com/JakeFAU/archivebot/internal/id/uuid"
	"github.com/JakeFAU/archivebot/internal/metrics"
	"github.com/JakeFAU/archivebot/internal/progress"
	"github.com/JakeFAU/archivebot/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/archivebot/internal/publisher/pubsub"
	"github.com/JakeFAU/archivebot/internal/session"
	"github.com/JakeFAU/archivebot/internal/telemetry"
	"github.com/JakeFAU/archivebot/internal/wayback"
)

// ServiceName identifies the bot in traces and logs.
const ServiceName = "archivebot"

// Options carries overrides used by tests and alternative deployments.
type Options struct {
	// Registerer receives the progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	// SpanExporter ships finished spans; nil keeps them in-process.
	SpanExporter sdktrace.SpanExporter
	// PubSubOptions are passed to the Pub/Sub client, e.g. an emulator endpoint.
	PubSubOptions []option.ClientOption
	// Transport replaces the pooled HTTP transport of every session.
	Transport http.RoundTripper
	Version   string
}

// App holds the shared services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	sessions *session.Manager
	pipeline *archive.Pipeline
	hub      *progress.Hub
	tracer   *sdktrace.TracerProvider
	notifier *pubsubpub.Publisher
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Sessions returns the shared HTTP session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Archiver returns the archive pipeline.
func (a *App) Archiver() archive.Archiver {
	return a.pipeline
}

// BookmarkingEnabled reports whether results are forwarded to Karakeep.
func (a *App) BookmarkingEnabled() bool {
	return a.pipeline.BookmarkingEnabled()
}

// New builds every service from cfg and fails fast when one cannot start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...")

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: ServiceName,
		Version:     opts.Version,
		Exporter:    opts.SpanExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, tracer: tp}

	sessionOpts := session.Options{
		UserAgent:       cfg.HTTP.UserAgent,
		MaxIdleConns:    cfg.HTTP.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout(),
		Transport:       opts.Transport,
	}
	a.sessions = session.NewManager(func() *session.Session {
		return session.New(sessionOpts)
	}, logger.Named("session"))
	a.sessions.OnCreate(metrics.ObserveSessionCreated)

	hubSinks, err := a.buildSinks(ctx, opts)
	if err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)

	bm := bookmark.New(bookmark.Config{
		Endpoint: cfg.Karakeep.APIURL,
		APIKey:   cfg.Karakeep.APIKey,
		Source:   cfg.Karakeep.Source,
		Timeout:  cfg.KarakeepTimeout(),
	})
	a.pipeline = archive.New(archive.Deps{
		Sessions: a.sessions,
		Wayback:  wayback.New(cfg.Wayback.BaseURL, cfg.WaybackTimeout()),
		Bookmark: bm,
		Emitter:  a.hub,
		Clock:    system.New(),
		IDs:      uuid.New(),
		Tracer:   tp.Tracer(ServiceName),
		Logger:   logger.Named("archive"),
	})

	logger.Info("Application services initialized successfully.",
		zap.Bool("bookmarking", bm.Enabled()),
		zap.Bool("notifications", a.notifier != nil))
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	var out []progress.Sink
	if a.cfg.Progress.LogEvents {
		out = append(out, sinks.NewLogSink(a.logger.Named("events")))
	}
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	out = append(out, promSink)

	if a.cfg.PubSub.Enabled() {
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.TopicName))
		pub, err := pubsubpub.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, opts.PubSubOptions...)
		if err != nil {
			return nil, fmt.Errorf("init notifications: %w", err)
		}
		a.notifier = pub
		out = append(out, sinks.NewPublisherSink(pub, a.cfg.PubSub.TopicName))
	}
	return out, nil
}

// Close drains progress events, releases the HTTP session and flushes traces.
// It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("Shutting down application services...")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if a.sessions != nil && a.sessions.Release() {
		metrics.ObserveSessionReleased()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	// Best effort; stderr sync commonly fails with EINVAL.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
