package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/chzzk-vote/round"
)

func TestLoadRetentionPolicy(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    RetentionPolicy
		enabled bool
	}{
		{"defaults", map[string]string{}, RetentionPolicy{Interval: 6 * time.Hour}, false},
		{"days and dry run", map[string]string{"ROUND_RETENTION_KEEP_DAYS": "30", "ROUND_RETENTION_DRY_RUN": "1"}, RetentionPolicy{KeepDays: 30, DryRun: true, Interval: 6 * time.Hour}, true},
		{"count and interval", map[string]string{"ROUND_RETENTION_KEEP_COUNT": "100", "ROUND_RETENTION_INTERVAL": "1h"}, RetentionPolicy{KeepCount: 100, Interval: time.Hour}, true},
		{"invalid values ignored", map[string]string{"ROUND_RETENTION_KEEP_DAYS": "-3", "ROUND_RETENTION_INTERVAL": "soon"}, RetentionPolicy{Interval: 6 * time.Hour}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ROUND_RETENTION_KEEP_DAYS", "ROUND_RETENTION_KEEP_COUNT", "ROUND_RETENTION_DRY_RUN", "ROUND_RETENTION_INTERVAL"} {
				t.Setenv(k, tt.env[k])
			}
			got := LoadRetentionPolicy()
			if got != tt.want {
				t.Fatalf("policy = %+v, want %+v", got, tt.want)
			}
			if got.Enabled() != tt.enabled {
				t.Fatalf("Enabled() = %v", got.Enabled())
			}
		})
	}
}

func TestPruneResults(t *testing.T) {
	store := migratedStore(t, nil)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		closed := now.Add(-time.Duration(i*10) * 24 * time.Hour)
		r := round.Result{RoundID: fmt.Sprintf("r%d", i), Number: i + 1, Candidates: []string{"a"}, Counts: map[string]int{"a": 0}, StartedAt: closed, ClosedAt: closed}
		if err := store.SaveResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	// r3 (30d) and r4 (40d) are older than 25 days.
	n, err := store.PruneResults(ctx, RetentionPolicy{KeepDays: 25, DryRun: true}, now)
	if err != nil || n != 2 {
		t.Fatalf("dry run = %d, %v", n, err)
	}
	if got, _ := store.RecentResults(ctx, 10); len(got) != 5 {
		t.Fatalf("dry run deleted rows: %d left", len(got))
	}

	n, err = store.PruneResults(ctx, RetentionPolicy{KeepDays: 25, KeepCount: 2}, now)
	if err != nil || n != 3 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	got, err := store.RecentResults(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RoundID != "r0" || got[1].RoundID != "r1" {
		t.Fatalf("left = %+v", got)
	}
}
