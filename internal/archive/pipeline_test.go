package archive

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/bookmark"
	"github.com/JakeFAU/archivebot/internal/progress"
	"github.com/JakeFAU/archivebot/internal/session"
	"github.com/JakeFAU/archivebot/internal/wayback"
)

const (
	targetURL   = "https://example.com/article"
	snapshotURL = "https://web.archive.org/web/20240101000000/https://example.com/article"
)

type harness struct {
	pipeline *Pipeline
	manager  *session.Manager
	created  *atomic.Int32
	events   *recordingEmitter
	spans    *tracetest.SpanRecorder
	saveURL  string
}

type harnessOptions struct {
	wayback        http.Handler
	waybackURL     string
	waybackTimeout time.Duration
	karakeep       http.Handler
	// karakeepTimeout bounds the Karakeep request; zero keeps the client default.
	karakeepTimeout time.Duration
	transport       http.RoundTripper
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	baseURL := opts.waybackURL
	if opts.wayback != nil {
		srv := httptest.NewServer(opts.wayback)
		t.Cleanup(srv.Close)
		baseURL = srv.URL
	}

	var bm *bookmark.Client
	if opts.karakeep != nil {
		srv := httptest.NewServer(opts.karakeep)
		t.Cleanup(srv.Close)
		bm = bookmark.New(bookmark.Config{
			Endpoint: srv.URL + "/api/v1/bookmarks",
			APIKey:   "secret",
			Timeout:  opts.karakeepTimeout,
		})
	}

	created := &atomic.Int32{}
	manager := session.NewManager(func() *session.Session {
		created.Add(1)
		return session.New(session.Options{UserAgent: "archivebot-test", Transport: opts.transport})
	}, zap.NewNop())

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	events := &recordingEmitter{}
	wb := wayback.New(baseURL, opts.waybackTimeout)
	return &harness{
		pipeline: New(Deps{
			Sessions: manager,
			Wayback:  wb,
			Bookmark: bm,
			Emitter:  events,
			Clock:    fixedClock{},
			Tracer:   tp.Tracer("test"),
			Logger:   zap.NewNop(),
		}),
		manager: manager,
		created: created,
		events:  events,
		spans:   spans,
		saveURL: wb.SaveURL(targetURL),
	}
}

func waybackReplying(status int, location string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if location != "" {
			w.Header().Set("Location", location)
		}
		w.WriteHeader(status)
	})
}

func TestArchive_Wayback200WithLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusOK, snapshotURL)})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.True(t, res.Succeeded)
	require.Equal(t, KindNone, res.Kind)
	require.Equal(t, snapshotURL, res.ArchivedURL)
	require.Equal(t, "Wayback Machine archived: "+snapshotURL+" (Karakeep skipped).", res.Message)
	require.False(t, res.Bookmarked)
	require.NoError(t, res.Err())
}

func TestArchive_Wayback200WithoutLocationUsesSaveURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusOK, "")})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.True(t, res.Succeeded)
	require.Equal(t, h.saveURL, res.ArchivedURL)
	require.Contains(t, res.Message, h.saveURL)
}

func TestArchive_Wayback302WithLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusFound, snapshotURL)})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.True(t, res.Succeeded)
	require.Equal(t, snapshotURL, res.ArchivedURL)
	require.Contains(t, res.Message, snapshotURL)
}

func TestArchive_Wayback302WithoutLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusFound, "")})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindMissingRedirect, res.Kind)
	require.Equal(t, StageWayback, res.Stage)
	require.Equal(t,
		"Wayback Machine returned 302 but no Location header for "+targetURL+". Unable to get archived URL.",
		res.Message)
	require.ErrorIs(t, res.Err(), ErrMissingRedirect)
}

func TestArchive_WaybackUnexpectedStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusServiceUnavailable, "")})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindUpstreamRejected, res.Kind)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.Equal(t,
		"Failed to archive to Wayback Machine. Unexpected status: 503 for "+targetURL+".",
		res.Message)
}

func TestArchive_KarakeepCreated(t *testing.T) {
	t.Parallel()

	type submission struct {
		auth string
		body map[string]any
	}
	seen := make(chan submission, 1)
	karakeep := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode karakeep body: %v", err)
		}
		seen <- submission{auth: r.Header.Get("Authorization"), body: body}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"bm_1"}`))
	})
	h := newHarness(t, harnessOptions{
		wayback:  waybackReplying(http.StatusFound, snapshotURL),
		karakeep: karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.True(t, res.Succeeded)
	require.True(t, res.Bookmarked)
	require.Equal(t, StageBookmark, res.Stage)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t,
		"Wayback Machine archived and Karakeep submission successful for "+targetURL+": "+snapshotURL,
		res.Message)
	got := <-seen
	require.Equal(t, "Bearer secret", got.auth)
	require.Equal(t, map[string]any{
		"url":    snapshotURL,
		"source": bookmark.DefaultSource,
		"type":   "link",
	}, got.body)
}

func TestArchive_KarakeepCreatedWithEmptyBody(t *testing.T) {
	t.Parallel()

	karakeep := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	h := newHarness(t, harnessOptions{
		wayback:  waybackReplying(http.StatusOK, snapshotURL),
		karakeep: karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.True(t, res.Succeeded, res.Message)
	require.True(t, res.Bookmarked)
	require.Equal(t, StageBookmark, res.Stage)
	require.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestArchive_KarakeepRejected(t *testing.T) {
	t.Parallel()

	karakeep := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad url"}`))
	})
	h := newHarness(t, harnessOptions{
		wayback:  waybackReplying(http.StatusOK, snapshotURL),
		karakeep: karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindUpstreamRejected, res.Kind)
	require.Equal(t, StageBookmark, res.Stage)
	require.Equal(t, "Karakeep submission failed (Status: 422): bad url", res.Message)
	require.Equal(t, snapshotURL, res.ArchivedURL, "snapshot is kept even when bookmarking fails")
}

func TestArchive_KarakeepRejectedWithoutDetail(t *testing.T) {
	t.Parallel()

	karakeep := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{}`))
	})
	h := newHarness(t, harnessOptions{
		wayback:  waybackReplying(http.StatusOK, snapshotURL),
		karakeep: karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, "Karakeep submission failed (Status: 500): Unknown error", res.Message)
}

func TestArchive_KarakeepNonJSONBodyIsUnclassified(t *testing.T) {
	t.Parallel()

	karakeep := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})
	h := newHarness(t, harnessOptions{
		wayback:  waybackReplying(http.StatusOK, snapshotURL),
		karakeep: karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindUnclassified, res.Kind)
	require.Contains(t, res.Message, "An unexpected error occurred during archiving/submission: ")
}

func TestArchive_WaybackTimeoutSkipsKarakeep(t *testing.T) {
	t.Parallel()

	var bookmarkCalls atomic.Int32
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	karakeep := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		bookmarkCalls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	h := newHarness(t, harnessOptions{
		wayback:        slow,
		waybackTimeout: 50 * time.Millisecond,
		karakeep:       karakeep,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindTimedOut, res.Kind)
	require.Equal(t, StageWayback, res.Stage)
	require.Equal(t, "Web request timed out.", res.Message)
	require.Zero(t, bookmarkCalls.Load())
}

func TestArchive_KarakeepTimeout(t *testing.T) {
	t.Parallel()

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusCreated)
	})
	h := newHarness(t, harnessOptions{
		wayback:         waybackReplying(http.StatusOK, snapshotURL),
		karakeep:        slow,
		karakeepTimeout: 50 * time.Millisecond,
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindTimedOut, res.Kind)
	require.Equal(t, StageBookmark, res.Stage)
	require.Equal(t, "Web request timed out.", res.Message)
	require.Equal(t, snapshotURL, res.ArchivedURL, "the snapshot survives a Karakeep timeout")
	require.False(t, res.Bookmarked)
}

func TestArchive_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h := newHarness(t, harnessOptions{waybackURL: "http://" + addr})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindConnectionFailed, res.Kind)
	require.Contains(t, res.Message, "Connection error during web request: ")
}

func TestArchive_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		waybackURL: "http://archive.invalid",
		transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			panic("transport exploded")
		}),
	})
	res := h.pipeline.Archive(context.Background(), targetURL)

	require.False(t, res.Succeeded)
	require.Equal(t, KindUnclassified, res.Kind)
	require.Equal(t, "An unexpected error occurred during archiving/submission: transport exploded", res.Message)

	stages := h.events.Stages()
	require.Equal(t, progress.StageArchiveError, stages[len(stages)-1])
}

func TestArchive_ReusesSessionAcrossCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusOK, snapshotURL)})
	first := h.manager.Acquire()

	h.pipeline.Archive(context.Background(), targetURL)
	h.pipeline.Archive(context.Background(), targetURL)

	require.Same(t, first, h.manager.Acquire())
	require.Equal(t, int32(1), h.created.Load())

	require.True(t, h.manager.Release())
	res := h.pipeline.Archive(context.Background(), targetURL)
	require.True(t, res.Succeeded, "a released session is recreated on demand")
	require.Equal(t, int32(2), h.created.Load())
}

func TestArchive_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusFound, snapshotURL)})
	ctx := WithTrigger(context.Background(), TriggerCommand)
	h.pipeline.Archive(ctx, targetURL)

	evts := h.events.Events()
	require.Equal(t, []progress.Stage{
		progress.StageArchiveStart,
		progress.StageWaybackDone,
		progress.StageBookmarkSkipped,
		progress.StageArchiveDone,
	}, h.events.Stages())
	for _, evt := range evts {
		require.NoError(t, evt.Validate())
		require.Equal(t, evts[0].RequestID, evt.RequestID)
		require.Equal(t, "command", evt.Trigger)
		require.Equal(t, "example.com", evt.Site)
	}
	require.Equal(t, progress.Status3xx, evts[1].StatusClass)
}

func TestArchive_RecordsSpans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wayback: waybackReplying(http.StatusServiceUnavailable, "")})
	h.pipeline.Archive(context.Background(), targetURL)

	names := map[string]bool{}
	for _, span := range h.spans.Ended() {
		names[span.Name()] = true
	}
	require.True(t, names["archive.Archive"])
	require.True(t, names["wayback.Save"])
	require.False(t, names["karakeep.Submit"])
}

func TestPipelineBookmarkingEnabled(t *testing.T) {
	t.Parallel()

	require.False(t, New(Deps{}).BookmarkingEnabled())
	require.True(t, New(Deps{Bookmark: bookmark.New(bookmark.Config{
		Endpoint: "https://karakeep.local/api", APIKey: "k",
	})}).BookmarkingEnabled())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	evts := r.Events()
	out := make([]progress.Stage, len(evts))
	for i, evt := range evts {
		out[i] = evt.Stage
	}
	return out
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
