package engine

import (
	"context"
	"fmt"
	"testing"

	"spot-alert-engine/internal/condition"
	"spot-alert-engine/internal/storage"
)

func BenchmarkMatch(b *testing.B) {
	bands := []string{"160m", "80m", "40m", "30m", "20m", "17m", "15m", "12m", "10m", "6m", "2m"}
	modes := []string{"cw", "ssb", "ft8", "rtty"}

	var rows []storage.TriggerRow
	var users []storage.UserRow
	for i := 0; i < 50000; i++ {
		c := map[string]any{"callsign": fmt.Sprintf("K%dABC", i%5000)}
		if i%3 == 0 {
			c["band"] = bands[i%len(bands)]
		}
		if i%4 == 0 {
			c["mode"] = modes[i%len(modes)]
		}
		if i%10 == 0 {
			c = map[string]any{"summitAssociation": "HB", "snrFrom": 5, "snrTo": 40}
		}
		rows = append(rows, storage.TriggerRow{
			ID:         fmt.Sprint(i),
			UserID:     fmt.Sprintf("u%d", i%8000),
			Actions:    []string{"app"},
			Conditions: c,
		})
	}
	for i := 0; i < 8000; i++ {
		users = append(users, storage.UserRow{ID: fmt.Sprintf("u%d", i), Username: fmt.Sprintf("W%dXYZ", i)})
	}

	eng := NewEngine("bench", &MockStore{triggers: rows, users: users}, condition.DefaultCommon())
	if _, err := eng.Reload(context.Background()); err != nil {
		b.Fatal(err)
	}
	q, err := condition.NormalizeQuery(map[string]any{
		"callsign": "K42ABC", "fullCallsign": "K42ABC/P", "band": []any{"20m", "hf"}, "mode": "cw",
		"summitAssociation": "HB", "snr": 12, "time": "1230", "daysOfWeek": 3,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.MatchQuery(q); err != nil {
			b.Fatal(err)
		}
	}
}
