package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is the persisted history of one user.
type Record struct {
	UserID string `json:"userId"`
	Cache  Cache  `json:"cache"`
}

type Cache struct {
	SpotCache   []Entry `json:"spotCache"`
	MaxInterval float64 `json:"maxInterval"` // seconds
}

// Dump prunes and returns every non-empty history, ordered by user.
func (l *Limiter) Dump() []Record {
	now := l.now().UnixMilli()
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.users))
	for id, h := range l.users {
		h.mu.Lock()
		h.prune(now)
		if len(h.entries) > 0 {
			out = append(out, Record{
				UserID: id,
				Cache: Cache{
					SpotCache:   append([]Entry(nil), h.entries...),
					MaxInterval: float64(h.maxWindow) / 1000,
				},
			})
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Restore replaces the histories of the users present in recs.
func (l *Limiter) Restore(recs []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recs {
		l.users[r.UserID] = &history{
			entries:   append([]Entry(nil), r.Cache.SpotCache...),
			maxWindow: int64(r.Cache.MaxInterval * 1000),
		}
	}
}

// SaveFile writes the dump to path via a temporary file and rename.
func (l *Limiter) SaveFile(path string) (int, error) {
	recs := l.Dump()
	b, err := json.Marshal(recs)
	if err != nil {
		return 0, fmt.Errorf("marshal rate limit dump: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create rate limit dump: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write rate limit dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close rate limit dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename rate limit dump: %w", err)
	}
	return len(recs), nil
}

// LoadFile restores a dump written by SaveFile. A missing file is not an error.
func (l *Limiter) LoadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit dump: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return 0, fmt.Errorf("decode rate limit dump: %w", err)
	}
	l.Restore(recs)
	return len(recs), nil
}

// Run prunes idle histories and flushes the dump to path until ctx ends,
// then writes a final dump.
func (l *Limiter) Run(ctx context.Context, path string, pruneEvery, flushEvery time.Duration) {
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	save := func() {
		n, err := l.SaveFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("rate limit dump failed")
			return
		}
		log.Debug().Int("users", n).Str("file", path).Msg("rate limiters dumped")
	}

	for {
		select {
		case <-ctx.Done():
			save()
			log.Info().Str("file", path).Msg("rate limiter stopped")
			return
		case <-prune.C:
			n := l.PruneIdle()
			log.Debug().Int("users", n).Msg("rate limiters pruned")
		case <-flush.C:
			save()
		}
	}
}
