package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// debounceWindow swallows notification bursts from bulk trigger edits.
const debounceWindow = 200 * time.Millisecond

// Refresher is told when triggers or users changed in the database.
type Refresher interface {
	RequestReload()
}

// ListenAndRefresh LISTENs on channel and calls rf.RequestReload for every
// notification burst. A lost connection is re-established with jittered
// backoff until ctx ends.
func ListenAndRefresh(ctx context.Context, pool *pgxpool.Pool, rf Refresher, channel string, baseBackoff time.Duration) {
	d := &debouncer{window: debounceWindow, now: time.Now}
	for ctx.Err() == nil {
		err := listen(ctx, pool, channel, func(payload string) {
			if d.allow() {
				log.Info().Str("channel", channel).Str("payload", payload).Msg("db change; reloading triggers")
				rf.RequestReload()
			}
		})
		if ctx.Err() != nil {
			break
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("listener connection lost")
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
	log.Info().Msg("listener stopped")
}

func listen(ctx context.Context, pool *pgxpool.Pool, channel string, notify func(string)) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for DB changes")

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		notify(ntf.Payload)
	}
}

type debouncer struct {
	window time.Duration
	now    func() time.Time
	last   time.Time
}

func (d *debouncer) allow() bool {
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
