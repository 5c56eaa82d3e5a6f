package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/spot"
	"spot-alert-engine/internal/storage"
)

// memBackend serves triggers from fixtures and records writes in memory.
type memBackend struct {
	*storage.FileStore

	mu      sync.Mutex
	alerts  []string
	matches map[string]int64
}

func (m *memBackend) SaveMySpot(context.Context, *spot.Spot) error { return nil }

func (m *memBackend) SaveAlert(_ context.Context, userID string, _ *spot.Spot, _, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, userID)
	return nil
}

func (m *memBackend) Muted(context.Context, string, *spot.Spot) (bool, error) { return false, nil }

func (m *memBackend) IncrementMatchCounts(_ context.Context, counts map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range counts {
		m.matches[k] += v
	}
	return nil
}

func (m *memBackend) IncrementLimitExceeded(context.Context, map[string]int64) error { return nil }

func newTestServer(t *testing.T) (*Server, *memBackend, config.Config) {
	t.Helper()
	be := &memBackend{
		FileStore: storage.NewFileStore(storage.Fixtures{
			Users: []storage.UserRow{{ID: "u1", Username: "DL1ABC", Alerts: true}},
			Triggers: []storage.TriggerRow{
				{ID: "t1", UserID: "u1", Actions: []string{"app"}, Conditions: map[string]any{"callsign": "HB9DQM"}},
			},
		}),
		matches: map[string]int64{},
	}
	cfg := config.Default()
	cfg.Matcher.Workers = 2
	cfg.RateLimit.DumpFile = filepath.Join(t.TempDir(), "ratelimit.dump")
	srv := New(cfg, be)
	require.NoError(t, srv.Start(context.Background()))
	return srv, be, cfg
}

func TestServer_SimulatedSpot(t *testing.T) {
	srv, be, cfg := newTestServer(t)

	body := `{"userId":"u1","source":"sotawatch","fullCallsign":"HB9DQM/P","frequency":14.062,"mode":"CW"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/spots", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	be.mu.Lock()
	assert.Equal(t, []string{"u1"}, be.alerts)
	be.mu.Unlock()

	srv.Stop()

	// final flush on shutdown
	be.mu.Lock()
	assert.Equal(t, map[string]int64{"t1": 1}, be.matches)
	be.mu.Unlock()
	assert.FileExists(t, cfg.RateLimit.DumpFile)
}

func TestServer_Status(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Stop()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Post(ts.URL+"/v1/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServer_RequestReload(t *testing.T) {
	srv, be, _ := newTestServer(t)
	defer srv.Stop()

	query := map[string]any{"callsign": "OE5XYZ"}
	m, err := srv.pool.MatchSync(context.Background(), query)
	require.NoError(t, err)
	assert.Empty(t, m)

	be.FileStore.Replace(storage.Fixtures{
		Users: []storage.UserRow{{ID: "u1", Username: "DL1ABC", Alerts: true}},
		Triggers: []storage.TriggerRow{
			{ID: "t2", UserID: "u1", Actions: []string{"app"}, Conditions: map[string]any{"callsign": "OE5XYZ"}},
		},
	})
	srv.RequestReload()

	// workers reload independently; every one must eventually see t2
	require.Eventually(t, func() bool {
		for i := 0; i < srv.pool.Workers(); i++ {
			m, err := srv.pool.MatchSync(context.Background(), query)
			if err != nil || len(m) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
