// matchtest evaluates spots against a YAML trigger fixture without a
// database.
//
// Usage:
//
//	matchtest -f triggers.yaml < spots.jsonl
//	echo '{"callsign":"HB9DQM","mode":"cw"}' | matchtest -f triggers.yaml --raw
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"spot-alert-engine/internal/config"
	"spot-alert-engine/internal/engine"
	"spot-alert-engine/internal/spot"
	"spot-alert-engine/internal/storage"
)

type options struct {
	fixtures string
	raw      bool
	common   []string
}

// line is one output record.
type line struct {
	Input   string               `json:"input"`
	Matches []engine.MatchResult `json:"matches"`
	Error   string               `json:"error,omitempty"`
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:   "matchtest",
		Short: "Match spots read from stdin against trigger fixtures",
		Long: `matchtest loads users and triggers from a YAML fixture file and matches
every JSON line on stdin against them, printing one JSON line per input.

By default each input line is a spot; with --raw it is a matcher query.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.SetupLogging("warn")
			fs, err := storage.OpenFile(opts.fixtures)
			if err != nil {
				return err
			}
			eng := engine.NewEngine("matchtest", fs, opts.common)
			n, err := eng.Reload(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d triggers loaded\n", n)
			return run(cmd.InOrStdin(), cmd.OutOrStdout(), eng, opts.raw, time.Now)
		},
	}
	root.Flags().StringVarP(&opts.fixtures, "fixtures", "f", "", "YAML file with users and triggers")
	root.Flags().BoolVar(&opts.raw, "raw", false, "treat input lines as matcher queries instead of spots")
	root.Flags().StringSliceVar(&opts.common, "common", nil, "indexed conditions (default: built-in list)")
	_ = root.MarkFlagRequired("fixtures")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer, eng *engine.Engine, raw bool, now func() time.Time) error {
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		if text == "" {
			continue
		}
		rec := line{Input: text}
		query, err := toQuery([]byte(text), raw, now())
		if err == nil {
			rec.Matches, err = eng.Match(query)
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func toQuery(b []byte, raw bool, now time.Time) (map[string]any, error) {
	if raw {
		var q map[string]any
		if err := json.Unmarshal(b, &q); err != nil {
			return nil, fmt.Errorf("decode query: %w", err)
		}
		return q, nil
	}
	var s spot.Spot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode spot: %w", err)
	}
	spot.Normalize(&s, now)
	return s.Conditions(now), nil
}
