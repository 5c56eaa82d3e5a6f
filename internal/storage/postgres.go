package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/ratelimit"
	"spot-alert-engine/internal/spot"
)

// ErrUserNotFound is returned by GetUser for unknown ids.
var ErrUserNotFound = errors.New("user not found")

// NoAutoDisable is the trigger comment that exempts it from housekeeping.
const NoAutoDisable = "no-auto-disable"

type Store struct {
	pool    *pgxpool.Pool
	channel string
}

// TriggerRow is one stored subscription, as loaded at reload time.
type TriggerRow struct {
	ID         string         `yaml:"id"`
	UserID     string         `yaml:"userId"`
	Conditions map[string]any `yaml:"conditions"`
	Actions    []string       `yaml:"actions"`
	Comment    string         `yaml:"comment"`
	Internal   bool           `yaml:"internal"`
	Disabled   bool           `yaml:"disabled"`
}

type UserRow struct {
	ID       string               `yaml:"id"`
	Username string               `yaml:"username"`
	Alerts   bool                 `yaml:"alerts"`
	Limits   ratelimit.UserLimits `yaml:"limits"`
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool, channel: cfg.Listener.Channel}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadTriggers loads every enabled trigger. Rows whose conditions cannot
// be decoded are logged and left out.
func (s *Store) LoadTriggers(ctx context.Context) ([]TriggerRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id::text, conditions, actions, COALESCE(comment, '')
		FROM triggers
		WHERE NOT disabled AND cardinality(actions) > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []TriggerRow
	for rows.Next() {
		var (
			t   TriggerRow
			raw []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &raw, &t.Actions, &t.Comment); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		if err := json.Unmarshal(raw, &t.Conditions); err != nil {
			log.Warn().Err(err).Str("trigger", t.ID).Msg("undecodable trigger conditions")
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadUsers returns every user with a username, for the self-spot triggers.
func (s *Store) LoadUsers(ctx context.Context) ([]UserRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, username, alerts, COALESCE(limits, '{}'::jsonb)
		FROM users
		WHERE username IS NOT NULL AND username <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (UserRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(username, ''), alerts, COALESCE(limits, '{}'::jsonb)
		FROM users WHERE id::text = $1
	`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserRow{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

func scanUser(row pgx.Row) (UserRow, error) {
	var (
		u   UserRow
		raw []byte
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Alerts, &raw); err != nil {
		return UserRow{}, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal(raw, &u.Limits); err != nil {
		log.Warn().Err(err).Str("user", u.ID).Msg("undecodable user limits; treating as unlimited")
		u.Limits = ratelimit.UserLimits{}
	}
	return u, nil
}

// SaveMySpot keeps the latest spot of each callsign.
func (s *Store) SaveMySpot(ctx context.Context, sp *spot.Spot) error {
	doc, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal myspot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO myspots (callsign, spot, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (callsign) DO UPDATE SET spot = EXCLUDED.spot, updated_at = EXCLUDED.updated_at
	`, sp.Callsign, doc)
	if err != nil {
		return fmt.Errorf("save myspot %s: %w", sp.Callsign, err)
	}
	return nil
}

// SaveAlert records a spot that passed rate limiting for a user.
func (s *Store) SaveAlert(ctx context.Context, userID string, sp *spot.Spot, actions, comments []string) error {
	doc, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal alert spot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts (user_id, spot, actions, trigger_comments, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, userID, doc, actions, comments)
	if err != nil {
		return fmt.Errorf("save alert for %s: %w", userID, err)
	}
	return nil
}

// Muted reports whether the user silenced this callsign, optionally narrowed
// by band, mode or summit, with a mute that has not expired.
func (s *Store) Muted(ctx context.Context, userID string, sp *spot.Spot) (bool, error) {
	var muted bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mutes
			WHERE user_id::text = $1 AND callsign = $2 AND expires >= now()
			  AND (band IS NULL OR band = $3)
			  AND (mode IS NULL OR mode = $4)
			  AND (summit_ref IS NULL OR summit_ref = $5)
		)
	`, userID, sp.Callsign, sp.Band, sp.Mode, sp.SummitRef).Scan(&muted)
	if err != nil {
		return false, fmt.Errorf("query mutes: %w", err)
	}
	return muted, nil
}

// IncrementMatchCounts adds the given per-trigger match counts in one batch.
func (s *Store) IncrementMatchCounts(ctx context.Context, counts map[string]int64) error {
	return s.increment(ctx, `UPDATE triggers SET match_count = match_count + $2 WHERE id::text = $1`, counts)
}

// IncrementLimitExceeded adds per-user general limit violations in one batch.
func (s *Store) IncrementLimitExceeded(ctx context.Context, counts map[string]int64) error {
	return s.increment(ctx, `UPDATE users SET limit_exceeded_count = limit_exceeded_count + $2 WHERE id::text = $1`, counts)
}

func (s *Store) increment(ctx context.Context, stmt string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, n := range counts {
		batch.Queue(stmt, id, n)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

// DisableUselessTriggers disables enabled triggers that matched more than
// threshold times, except those commented NoAutoDisable.
func (s *Store) DisableUselessTriggers(ctx context.Context, threshold int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE triggers SET disabled = true, useless = true
		WHERE NOT disabled AND match_count > $1 AND COALESCE(comment, '') <> $2
	`, threshold, NoAutoDisable)
	if err != nil {
		return 0, fmt.Errorf("disable useless triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetMatchCounts zeroes every trigger's match counter.
func (s *Store) ResetMatchCounts(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE triggers SET match_count = 0`); err != nil {
		return fmt.Errorf("reset match counts: %w", err)
	}
	return nil
}

func (s *Store) ListenChannel() string {
	if s.channel == "" {
		return "trigger_change"
	}
	return s.channel
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
