package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/poller"
	"github.com/HerbHall/snmpwatch/internal/snapshot"
	"github.com/HerbHall/snmpwatch/internal/store"
	"github.com/HerbHall/snmpwatch/internal/testutil"
)

type fakeRefresher struct {
	mu      sync.Mutex
	groups  []string
	outcome func(group string) poller.Outcome
	calls   int
}

func (f *fakeRefresher) Groups() []string { return f.groups }

func (f *fakeRefresher) Refresh(_ context.Context, group string) poller.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.outcome(group)
}

type fakeReader map[string]*snapshot.Snapshot

func (f fakeReader) Latest(_ context.Context, group string) (*snapshot.Snapshot, error) {
	if snap, ok := f[group]; ok {
		return snap, nil
	}
	return nil, store.ErrNotFound
}

func (f fakeReader) All(context.Context) ([]*snapshot.Snapshot, error) {
	out := make([]*snapshot.Snapshot, 0, len(f))
	for _, snap := range f {
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b *snapshot.Snapshot) int { return strings.Compare(a.Group, b.Group) })
	return out, nil
}

// failingReader reports a storage error on every read.
type failingReader struct{ err error }

func (f failingReader) Latest(context.Context, string) (*snapshot.Snapshot, error) { return nil, f.err }
func (f failingReader) All(context.Context) ([]*snapshot.Snapshot, error)          { return nil, f.err }

func newTestServer(deps Deps) *Server {
	if deps.Refresher == nil {
		deps.Refresher = &fakeRefresher{
			groups: []string{"cpu", "memory"},
			outcome: func(group string) poller.Outcome {
				return poller.Outcome{PollID: "p1", Group: group, Snapshot: testutil.CPUSnapshot(37)}
			},
		}
	}
	return New("127.0.0.1:0", deps, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(Deps{}), http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "dev", w.Header().Get("X-Snmpwatch-Version"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "snmpwatch", body["service"])
}

func TestGroups(t *testing.T) {
	w := do(t, newTestServer(Deps{}), http.MethodGet, "/api/v1/groups")
	require.Equal(t, http.StatusOK, w.Code)

	var groups []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&groups))
	require.Equal(t, []string{"cpu", "memory"}, groups)
}

func TestRefresh(t *testing.T) {
	t.Run("updated", func(t *testing.T) {
		w := do(t, newTestServer(Deps{}), http.MethodPost, "/api/v1/groups/cpu/refresh")
		require.Equal(t, http.StatusOK, w.Code)

		var resp refreshResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.True(t, resp.Updated)
		require.Equal(t, "p1", resp.PollID)
		require.Equal(t, "CPU Usage: 37%", resp.Label)
		require.NotNil(t, resp.Snapshot)
	})

	t.Run("failed poll reads as no update", func(t *testing.T) {
		ref := &fakeRefresher{
			groups: []string{"memory"},
			outcome: func(group string) poller.Outcome {
				return poller.Outcome{PollID: "p2", Group: group, Err: errors.New("mem.used: timeout")}
			},
		}
		w := do(t, newTestServer(Deps{Refresher: ref}), http.MethodPost, "/api/v1/groups/memory/refresh")
		require.Equal(t, http.StatusOK, w.Code)

		var raw map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&raw))
		require.Equal(t, false, raw["updated"])
		require.NotContains(t, raw, "snapshot")
	})

	t.Run("stale poll reads as no update", func(t *testing.T) {
		ref := &fakeRefresher{
			groups: []string{"cpu"},
			outcome: func(group string) poller.Outcome {
				return poller.Outcome{Group: group, Snapshot: testutil.CPUSnapshot(1), Stale: true}
			},
		}
		w := do(t, newTestServer(Deps{Refresher: ref}), http.MethodPost, "/api/v1/groups/cpu/refresh")
		var resp refreshResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.False(t, resp.Updated)
	})

	t.Run("unknown group", func(t *testing.T) {
		ref := &fakeRefresher{groups: []string{"cpu"}}
		w := do(t, newTestServer(Deps{Refresher: ref}), http.MethodPost, "/api/v1/groups/disk/refresh")
		require.Equal(t, http.StatusNotFound, w.Code)
		require.Equal(t, 0, ref.calls)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := do(t, newTestServer(Deps{}), http.MethodGet, "/api/v1/groups/cpu/refresh")
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestRefresh_RateLimited(t *testing.T) {
	s := newTestServer(Deps{RefreshRate: 1})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/groups/cpu/refresh").Code)
	w := do(t, s, http.MethodPost, "/api/v1/groups/cpu/refresh")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestSnapshot(t *testing.T) {
	s := newTestServer(Deps{Snapshots: fakeReader{"cpu": testutil.CPUSnapshot(42)}})

	w := do(t, s, http.MethodGet, "/api/v1/groups/cpu/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Group  string           `json:"group"`
		Values []snapshot.Value `json:"values"`
		Label  string           `json:"label"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "cpu", body.Group)
	require.Equal(t, "CPU Usage: 42%", body.Label)
	require.Len(t, body.Values, 1)

	// Known group with nothing recorded yet.
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/groups/memory/snapshot").Code)
	// Unknown group.
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/groups/disk/snapshot").Code)
}

func TestSnapshot_FromStore(t *testing.T) {
	snaps := testutil.NewSnapshots(t)
	require.NoError(t, snaps.Save(context.Background(), testutil.MemorySnapshot(2000, 500)))

	s := New("127.0.0.1:0", Deps{
		Refresher: &fakeRefresher{groups: []string{"memory"}},
		Snapshots: snaps,
	}, testutil.Logger(t))

	w := do(t, s, http.MethodGet, "/api/v1/groups/memory/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Total: 2000.00 MB, Used: 500.00 MB, Available: 1500.00 MB")
}

func TestSnapshots_List(t *testing.T) {
	snaps := testutil.NewSnapshots(t)
	ctx := context.Background()
	require.NoError(t, snaps.Save(ctx, testutil.MemorySnapshot(2000, 500)))
	require.NoError(t, snaps.Save(ctx, testutil.CPUSnapshot(37)))
	// Stored by an earlier configuration; no longer served.
	require.NoError(t, snaps.Save(ctx, testutil.NewSnapshot("gpu", testutil.WithValue("gpu.usage", 5, "%"))))

	logger, logs := testutil.ObservedLogger()
	s := New("127.0.0.1:0", Deps{
		Refresher: &fakeRefresher{groups: []string{"cpu", "memory"}},
		Snapshots: snaps,
	}, logger)

	w := do(t, s, http.MethodGet, "/api/v1/snapshots")
	require.Equal(t, http.StatusOK, w.Code)

	var body []struct {
		Group string `json:"group"`
		Label string `json:"label"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body, 2)
	require.Equal(t, "cpu", body[0].Group)
	require.Equal(t, "CPU Usage: 37%", body[0].Label)
	require.Equal(t, "memory", body[1].Group)
	require.Equal(t, "Total: 2000.00 MB, Used: 500.00 MB, Available: 1500.00 MB", body[1].Label)

	completed := logs.FilterMessage("http request").All()
	require.Len(t, completed, 1)
	require.EqualValues(t, http.StatusOK, completed[0].ContextMap()["status"])
}

func TestSnapshots_ListEmptyAndErrors(t *testing.T) {
	w := do(t, newTestServer(Deps{Snapshots: fakeReader{}}), http.MethodGet, "/api/v1/snapshots")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())

	w = do(t, newTestServer(Deps{Snapshots: failingReader{err: errors.New("disk I/O error")}}), http.MethodGet, "/api/v1/snapshots")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = do(t, newTestServer(Deps{}), http.MethodGet, "/api/v1/snapshots")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSnapshot_NoStore(t *testing.T) {
	w := do(t, newTestServer(Deps{}), http.MethodGet, "/api/v1/groups/cpu/snapshot")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("snmpwatch_queries_total 1\n"))
	})
	w := do(t, newTestServer(Deps{Metrics: metrics}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "snmpwatch_queries_total")

	w = do(t, newTestServer(Deps{}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream(t *testing.T) {
	hub := NewHub(nil)
	s := newTestServer(Deps{Hub: hub, Snapshots: fakeReader{"cpu": testutil.CPUSnapshot(10)}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/groups/cpu/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var msg snapshotResponse
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, "CPU Usage: 10%", msg.Label)

	// Other groups are not forwarded.
	hub.OnSnapshot(ctx, &snapshot.Snapshot{Group: "memory"})
	hub.OnSnapshot(ctx, testutil.CPUSnapshot(55))

	msg = snapshotResponse{}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, "cpu", msg.Group)
	require.Equal(t, "CPU Usage: 55%", msg.Label)

	require.NoError(t, hub.Stop())
	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestStream_UnknownGroup(t *testing.T) {
	w := do(t, newTestServer(Deps{Hub: NewHub(nil)}), http.MethodGet, "/api/v1/groups/disk/stream")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	updates, cancel := hub.Subscribe("cpu")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*subscriberBuffer; i++ {
			hub.OnSnapshot(context.Background(), testutil.CPUSnapshot(float64(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSnapshot blocked on a full subscriber")
	}
	require.Len(t, updates, subscriberBuffer)
}

func TestHub_CancelAndStop(t *testing.T) {
	hub := NewHub(nil)
	a, cancelA := hub.Subscribe("cpu")
	b, _ := hub.Subscribe("memory")
	require.Equal(t, 2, hub.Subscribers())

	cancelA()
	cancelA()
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, hub.Subscribers())

	require.NoError(t, hub.Stop())
	_, open = <-b
	require.False(t, open)

	// Subscribing after Stop yields a closed channel.
	c, _ := hub.Subscribe("cpu")
	_, open = <-c
	require.False(t, open)
}
