package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/spot"
)

// Ingester runs one spot through the alerting pipeline.
type Ingester interface {
	Ingest(ctx context.Context, s spot.Spot) error
}

// Dispatcher is the matcher pool as seen by the admin endpoints.
type Dispatcher interface {
	MatchSync(ctx context.Context, query map[string]any) ([]engine.MatchResult, error)
	Reload(ctx context.Context) (int, error)
	Pending() int
	Workers() int
}

type Handler struct {
	pipe     Ingester
	pool     Dispatcher
	throttle *rate.Limiter
	now      func() time.Time
}

func NewHandler(pipe Ingester, pool Dispatcher, throttle *rate.Limiter) *Handler {
	return &Handler{pipe: pipe, pool: pool, throttle: throttle, now: time.Now}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SimulateSpot injects an operator test spot addressed to a single user.
func (h *Handler) SimulateSpot(w http.ResponseWriter, r *http.Request) {
	var s spot.Spot
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if missing := missingFields(&s); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing "+strings.Join(missing, ", "))
		return
	}
	if h.throttle != nil && !h.throttle.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many simulated spots")
		return
	}

	now := h.now().UTC()
	s.Time = now.Format("15:04")
	s.ReceivedAt = now
	if err := h.pipe.Ingest(r.Context(), s); err != nil {
		log.Error().Err(err).Str("user", s.UserID).Msg("simulated spot failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

func missingFields(s *spot.Spot) []string {
	var missing []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"userId", s.UserID != ""},
		{"source", s.Source != ""},
		{"fullCallsign", s.FullCallsign != ""},
		{"frequency", s.Frequency > 0},
		{"mode", s.Mode != ""},
	} {
		if !f.set {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Match runs a raw condition query against the current triggers.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	var q map[string]any
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil || len(q) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of conditions")
		return
	}
	matches, err := h.pool.MatchSync(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(matches) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	n, err := h.pool.Reload(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual reload failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"pending": h.pool.Pending(),
		"workers": h.pool.Workers(),
	})
}
