package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(created *atomic.Int32) *Manager {
	return NewManager(func() *Session {
		created.Add(1)
		return New(Options{UserAgent: "archivebot-test"})
	}, zap.NewNop())
}

func TestManager_AcquireReusesOpenSession(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := newTestManager(&created)

	first := m.Acquire()
	second := m.Acquire()

	require.Same(t, first, second)
	require.Equal(t, int32(1), created.Load())
}

func TestManager_AcquireAfterReleaseRecreates(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := newTestManager(&created)

	first := m.Acquire()
	require.True(t, m.Release())
	require.True(t, first.Closed())

	second := m.Acquire()
	require.NotSame(t, first, second)
	require.NotEqual(t, first.ID(), second.ID())
	require.False(t, second.Closed())
	require.Equal(t, int32(2), created.Load())
}

func TestManager_ReleaseWithoutSession(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := newTestManager(&created)

	require.False(t, m.Release())
	m.Acquire()
	require.True(t, m.Release())
	require.False(t, m.Release(), "second release is a no-op")
	require.Equal(t, int32(1), created.Load())
}

func TestManager_OnCreateHook(t *testing.T) {
	t.Parallel()

	var created, hooked atomic.Int32
	m := newTestManager(&created)
	m.OnCreate(func() { hooked.Add(1) })

	m.Acquire()
	m.Acquire()
	m.Release()
	m.Acquire()

	require.Equal(t, int32(2), hooked.Load())
}

func TestManager_ConcurrentAcquireConverges(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := newTestManager(&created)

	const callers = 32
	got := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.Acquire()
		}(i)
	}
	wg.Wait()

	installed := m.Acquire()
	for _, s := range got {
		require.Same(t, installed, s)
	}
	require.False(t, installed.Closed())
}

func TestSession_DoSetsUserAgentAndSkipsRedirects(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Location", "/final")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	s := New(Options{UserAgent: "archivebot-test"})
	defer s.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/start", nil)
	require.NoError(t, err)
	resp, err := s.Do(req, false)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/final", resp.Header.Get("Location"))
	require.Equal(t, "archivebot-test", gotUA.Load())

	req, err = http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/start", nil)
	require.NoError(t, err)
	followed, err := s.Do(req, true)
	require.NoError(t, err)
	defer followed.Body.Close()
	require.Equal(t, http.StatusOK, followed.StatusCode)
}

func TestSession_DoOnClosedSession(t *testing.T) {
	t.Parallel()

	s := New(Options{IdleConnTimeout: time.Second})
	s.Close()
	s.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)
	_, err = s.Do(req, false)
	require.ErrorIs(t, err, ErrSessionClosed)
}
