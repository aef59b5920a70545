// Package archive drives the two-stage archival pipeline: submit a URL to the
// Wayback Machine, then optionally record the snapshot in Karakeep. Every
// call ends in exactly one Result; transport faults and panics are absorbed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/bookmark"
	"github.com/JakeFAU/archivebot/internal/clock/system"
	"github.com/JakeFAU/archivebot/internal/metrics"
	"github.com/JakeFAU/archivebot/internal/progress"
	"github.com/JakeFAU/archivebot/internal/wayback"
)

const tracerName = "github.com/JakeFAU/archivebot/internal/archive"

// User-facing messages. Callers prefix them with their own lead-in.
const (
	msgMissingRedirect = "Wayback Machine returned 302 but no Location header for %s. Unable to get archived URL."
	msgWaybackStatus   = "Failed to archive to Wayback Machine. Unexpected status: %d for %s."
	msgNoArchivedURL   = "Could not determine archived URL from Wayback Machine for %s."
	msgBookmarkSkipped = "Wayback Machine archived: %s (Karakeep skipped)."
	msgBookmarkStatus  = "Karakeep submission failed (Status: %d): %s"
	msgBookmarked      = "Wayback Machine archived and Karakeep submission successful for %s: %s"
	msgConnection      = "Connection error during web request: %v"
	msgTimedOut        = "Web request timed out."
	msgUnexpected      = "An unexpected error occurred during archiving/submission: %v"
)

// Deps are the collaborators of a Pipeline. Bookmark may be nil or disabled.
type Deps struct {
	Sessions SessionSource
	Wayback  *wayback.Client
	Bookmark *bookmark.Client
	Emitter  progress.Emitter
	Clock    Clock
	IDs      IDGenerator
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Pipeline archives one URL at a time; it is safe for concurrent use.
type Pipeline struct {
	sessions SessionSource
	wayback  *wayback.Client
	bookmark *bookmark.Client
	emitter  progress.Emitter
	clock    Clock
	ids      IDGenerator
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New builds a Pipeline, filling optional dependencies with defaults.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		sessions: deps.Sessions,
		wayback:  deps.Wayback,
		bookmark: deps.Bookmark,
		emitter:  deps.Emitter,
		clock:    deps.Clock,
		ids:      deps.IDs,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
	}
	if p.emitter == nil {
		p.emitter = progress.Discard{}
	}
	if p.clock == nil {
		p.clock = system.New()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// BookmarkingEnabled reports whether results will be forwarded to Karakeep.
func (p *Pipeline) BookmarkingEnabled() bool {
	return p.bookmark.Enabled()
}

// request is the per-call state shared by the stage helpers.
type request struct {
	id      [16]byte
	target  string
	site    string
	trigger Trigger
	started time.Time
	stage   Stage
	logger  *zap.Logger
}

// Archive submits target to the archival service and, when configured, the
// bookmarking service. It always returns a definitive Result.
func (p *Pipeline) Archive(ctx context.Context, target string) (result Result) {
	req := &request{
		id:      p.newRequestID(),
		target:  target,
		site:    metrics.SanitizeSite(target),
		trigger: TriggerFrom(ctx),
		started: p.clock.Now(),
		stage:   StageWayback,
	}
	req.logger = p.logger.With(
		zap.String("request_id", uuid.UUID(req.id).String()),
		zap.String("url", target),
		zap.String("trigger", string(req.trigger)),
	)

	ctx, span := p.tracer.Start(ctx, "archive.Archive", trace.WithAttributes(
		attribute.String("archive.url", target),
		attribute.String("archive.trigger", string(req.trigger)),
	))
	defer span.End()

	p.emit(req, progress.Event{Stage: progress.StageArchiveStart})

	defer func() {
		if rec := recover(); rec != nil {
			req.logger.Error("archive pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result = p.failure(req, KindUnclassified, 0, fmt.Sprintf(msgUnexpected, rec))
		}
		p.finish(req, span, result)
	}()

	return p.run(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, req *request) Result {
	sess := p.sessions.Acquire()

	req.logger.Info("Attempting to archive with Wayback Machine")
	snap, err := p.save(ctx, req, sess)
	if snap.StatusCode != 0 {
		req.logger.Info("Wayback Machine response", zap.Int("status", snap.StatusCode))
		p.emit(req, progress.Event{
			Stage:       progress.StageWaybackDone,
			StatusCode:  snap.StatusCode,
			StatusClass: progress.ClassifyStatus(snap.StatusCode),
			ArchivedURL: snap.Location,
		})
	}
	var statusErr *wayback.StatusError
	switch {
	case errors.Is(err, wayback.ErrMissingLocation):
		return p.failure(req, KindMissingRedirect, snap.StatusCode, fmt.Sprintf(msgMissingRedirect, req.target))
	case errors.As(err, &statusErr):
		return p.failure(req, KindUpstreamRejected, statusErr.StatusCode,
			fmt.Sprintf(msgWaybackStatus, statusErr.StatusCode, req.target))
	case err != nil:
		return p.transportFailure(req, err)
	}
	if snap.Location == "" {
		return p.failure(req, KindUnclassified, snap.StatusCode, fmt.Sprintf(msgNoArchivedURL, req.target))
	}
	req.logger.Info("Wayback Machine archived",
		zap.Int("status", snap.StatusCode),
		zap.String("archived_url", snap.Location),
		zap.Bool("location_header", snap.FromHeader),
	)

	if !p.bookmark.Enabled() {
		req.logger.Info("Skipping Karakeep submission: KARAKEEP_API_URL or KARAKEEP_API_KEY not set")
		p.emit(req, progress.Event{Stage: progress.StageBookmarkSkipped, ArchivedURL: snap.Location})
		return Result{
			Succeeded:   true,
			Stage:       StageWayback,
			Message:     fmt.Sprintf(msgBookmarkSkipped, snap.Location),
			URL:         req.target,
			ArchivedURL: snap.Location,
			StatusCode:  snap.StatusCode,
		}
	}

	req.stage = StageBookmark
	req.logger.Info("Submitting to Karakeep", zap.String("archived_url", snap.Location))
	receipt, err := p.submit(ctx, sess, snap.Location)
	if receipt.StatusCode != 0 {
		p.emit(req, progress.Event{
			Stage:       progress.StageBookmarkDone,
			StatusCode:  receipt.StatusCode,
			StatusClass: progress.ClassifyStatus(receipt.StatusCode),
			ArchivedURL: snap.Location,
		})
	}
	var rejected *bookmark.StatusError
	switch {
	case errors.As(err, &rejected):
		res := p.failure(req, KindUpstreamRejected, rejected.StatusCode,
			fmt.Sprintf(msgBookmarkStatus, rejected.StatusCode, rejected.Detail))
		res.ArchivedURL = snap.Location
		return res
	case err != nil:
		res := p.transportFailure(req, err)
		res.ArchivedURL = snap.Location
		return res
	}
	return Result{
		Succeeded:   true,
		Stage:       StageBookmark,
		Message:     fmt.Sprintf(msgBookmarked, req.target, snap.Location),
		URL:         req.target,
		ArchivedURL: snap.Location,
		Bookmarked:  true,
		StatusCode:  receipt.StatusCode,
	}
}

func (p *Pipeline) save(ctx context.Context, req *request, doer wayback.Doer) (wayback.Snapshot, error) {
	ctx, span := p.tracer.Start(ctx, "wayback.Save")
	defer span.End()
	snap, err := p.wayback.Save(ctx, doer, req.target)
	span.SetAttributes(attribute.Int("http.status_code", snap.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return snap, err
}

func (p *Pipeline) submit(ctx context.Context, doer bookmark.Doer, link string) (bookmark.Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "karakeep.Submit", trace.WithAttributes(
		attribute.String("archive.archived_url", link),
	))
	defer span.End()
	receipt, err := p.bookmark.Submit(ctx, doer, link)
	span.SetAttributes(attribute.Int("http.status_code", receipt.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

// transportFailure classifies a transport-level error. Timeouts share one
// message whichever stage ran out of time; Result.Stage tells them apart.
func (p *Pipeline) transportFailure(req *request, err error) Result {
	kind := Classify(err)
	var msg string
	switch kind {
	case KindTimedOut:
		msg = msgTimedOut
	case KindConnectionFailed:
		msg = fmt.Sprintf(msgConnection, err)
	default:
		msg = fmt.Sprintf(msgUnexpected, err)
	}
	req.logger.Warn("archive request failed", zap.String("kind", kind.String()), zap.Error(err))
	return p.failure(req, kind, 0, msg)
}

func (p *Pipeline) failure(req *request, kind ErrorKind, status int, msg string) Result {
	return Result{
		Kind:       kind,
		Stage:      req.stage,
		Message:    msg,
		URL:        req.target,
		StatusCode: status,
	}
}

func (p *Pipeline) finish(req *request, span trace.Span, result Result) {
	dur := p.clock.Now().Sub(req.started)
	if dur < 0 {
		dur = 0
	}
	span.SetAttributes(
		attribute.Bool("archive.succeeded", result.Succeeded),
		attribute.String("archive.stage", string(result.Stage)),
	)
	evt := progress.Event{
		Stage:       progress.StageArchiveDone,
		ArchivedURL: result.ArchivedURL,
		StatusCode:  result.StatusCode,
		Dur:         dur,
		Note:        result.Message,
	}
	if result.Succeeded {
		req.logger.Info("archive succeeded", zap.String("archived_url", result.ArchivedURL), zap.Duration("dur", dur))
	} else {
		evt.Stage = progress.StageArchiveError
		evt.Kind = result.Kind.String()
		span.SetAttributes(attribute.String("archive.kind", result.Kind.String()))
		span.SetStatus(codes.Error, result.Message)
		req.logger.Warn("archive failed",
			zap.String("kind", result.Kind.String()),
			zap.String("stage", string(result.Stage)),
			zap.String("message", result.Message),
			zap.Duration("dur", dur),
		)
	}
	p.emit(req, evt)
}

func (p *Pipeline) emit(req *request, evt progress.Event) {
	evt.RequestID = req.id
	evt.TS = p.clock.Now()
	evt.Trigger = string(req.trigger)
	evt.Site = req.site
	evt.URL = req.target
	p.emitter.Emit(evt)
}

func (p *Pipeline) newRequestID() [16]byte {
	if p.ids != nil {
		if id, err := p.ids.NewRawID(); err == nil {
			return progress.UUIDToBytes(id)
		}
	}
	return progress.UUIDToBytes(uuid.New())
}
