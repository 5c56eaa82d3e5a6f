package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/spot"
)

type fakePipe struct {
	got []spot.Spot
	err error
}

func (f *fakePipe) Ingest(_ context.Context, s spot.Spot) error {
	f.got = append(f.got, s)
	return f.err
}

type fakePool struct {
	matches []engine.MatchResult
	reload  error
}

func (f *fakePool) MatchSync(context.Context, map[string]any) ([]engine.MatchResult, error) {
	return f.matches, nil
}
func (f *fakePool) Reload(context.Context) (int, error) { return 42, f.reload }
func (f *fakePool) Pending() int                        { return 3 }
func (f *fakePool) Workers() int                        { return 6 }

func newTestRouter(pipe *fakePipe, pool *fakePool, throttle *rate.Limiter) http.Handler {
	h := NewHandler(pipe, pool, throttle)
	h.now = func() time.Time { return time.Date(2024, 5, 1, 9, 7, 30, 0, time.UTC) }
	return Router(h, time.Second)
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSimulateSpot_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantErr    string
	}{
		{"invalid json", "{", http.StatusBadRequest, "invalid JSON"},
		{"missing user", `{"source":"sotawatch","fullCallsign":"HB9DQM","frequency":14.062,"mode":"cw"}`, http.StatusBadRequest, "userId"},
		{"missing several", `{"userId":"u1","frequency":14.062}`, http.StatusBadRequest, "source, fullCallsign, mode"},
		{"ok", `{"userId":"u1","source":"sotawatch","fullCallsign":"HB9DQM/P","frequency":14.062,"mode":"cw"}`, http.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := &fakePipe{}
			w := do(t, newTestRouter(pipe, &fakePool{}, nil), http.MethodPost, "/v1/spots", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantErr != "" {
				assert.Contains(t, w.Body.String(), tt.wantErr)
				assert.Empty(t, pipe.got)
				return
			}
			require.Len(t, pipe.got, 1)
			assert.Equal(t, "09:07", pipe.got[0].Time)
			assert.True(t, pipe.got[0].Simulated())
		})
	}
}

func TestSimulateSpot_Throttled(t *testing.T) {
	pipe := &fakePipe{}
	r := newTestRouter(pipe, &fakePool{}, rate.NewLimiter(rate.Every(time.Hour), 1))
	body := `{"userId":"u1","source":"sotawatch","fullCallsign":"HB9DQM","frequency":7.032,"mode":"cw"}`

	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/v1/spots", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodPost, "/v1/spots", body).Code)
	assert.Len(t, pipe.got, 1)
}

func TestSimulateSpot_PipelineError(t *testing.T) {
	pipe := &fakePipe{err: errors.New("match request timed out")}
	body := `{"userId":"u1","source":"sotawatch","fullCallsign":"HB9DQM","frequency":7.032,"mode":"cw"}`
	w := do(t, newTestRouter(pipe, &fakePool{}, nil), http.MethodPost, "/v1/spots", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMatch(t *testing.T) {
	pool := &fakePool{}
	r := newTestRouter(&fakePipe{}, pool, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/match", `{}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/v1/match", `{"callsign":"HB9DQM"}`).Code)

	pool.matches = []engine.MatchResult{{UserID: "u1", Actions: []string{"app"}, TriggerIDs: []string{"t1"}}}
	w := do(t, r, http.MethodPost, "/v1/match", `{"callsign":"HB9DQM"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got []engine.MatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, pool.matches, got)
}

func TestReloadAndStatus(t *testing.T) {
	pool := &fakePool{}
	r := newTestRouter(&fakePipe{}, pool, nil)

	w := do(t, r, http.MethodPost, "/v1/reload", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":42}`, w.Body.String())

	pool.reload = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, r, http.MethodPost, "/v1/reload", "").Code)

	w = do(t, r, http.MethodGet, "/v1/status", "")
	assert.JSONEq(t, `{"pending":3,"workers":6}`, w.Body.String())

	w = do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", w.Body.String())
}
