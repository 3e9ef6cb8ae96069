package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// RetentionPolicy bounds how much round history is kept. A zero KeepDays
// and KeepCount disables pruning.
type RetentionPolicy struct {
	// KeepDays: delete rounds closed more than this many days ago
	KeepDays int
	// KeepCount: keep only the newest N rounds
	KeepCount int
	// DryRun: When true, log what would be deleted without deleting
	DryRun bool
	// Interval: How often to run the cleanup job
	Interval time.Duration
}

// Enabled reports whether the policy prunes anything.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// LoadRetentionPolicy loads the round history policy from ROUND_RETENTION_*
// environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{Interval: 6 * time.Hour}
	if n, err := strconv.Atoi(os.Getenv("ROUND_RETENTION_KEEP_DAYS")); err == nil && n >= 0 {
		policy.KeepDays = n
	}
	if n, err := strconv.Atoi(os.Getenv("ROUND_RETENTION_KEEP_COUNT")); err == nil && n >= 0 {
		policy.KeepCount = n
	}
	policy.DryRun = os.Getenv("ROUND_RETENTION_DRY_RUN") == "1"
	if d, err := time.ParseDuration(os.Getenv("ROUND_RETENTION_INTERVAL")); err == nil && d > 0 {
		policy.Interval = d
	}
	return policy
}

// PruneResults deletes rounds outside policy and returns how many rows were
// (or, in dry-run mode, would be) removed.
func (s *Store) PruneResults(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error) {
	var total int64
	if policy.KeepDays > 0 {
		cutoff := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
		n, err := s.prune(ctx, policy.DryRun, `closed_at < $1`, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune by age: %w", err)
		}
		total += n
	}
	if policy.KeepCount > 0 {
		n, err := s.prune(ctx, policy.DryRun,
			`round_id NOT IN (SELECT round_id FROM vote_rounds ORDER BY closed_at DESC LIMIT $1)`, policy.KeepCount)
		if err != nil {
			return total, fmt.Errorf("prune by count: %w", err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) prune(ctx context.Context, dryRun bool, where string, arg any) (int64, error) {
	if dryRun {
		var n int64
		err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vote_rounds WHERE `+where, arg).Scan(&n)
		return n, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM vote_rounds WHERE `+where, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartRetentionJob prunes round history now and then every policy.Interval
// until ctx is done. It returns immediately when the policy is disabled.
func StartRetentionJob(ctx context.Context, store *Store, policy RetentionPolicy) {
	if !policy.Enabled() {
		slog.Info("round retention disabled (no policy configured)")
		return
	}
	logger := slog.Default().With(slog.String("component", "round_retention"), slog.Bool("dry_run", policy.DryRun))
	logger.Info("round retention starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_count", policy.KeepCount),
		slog.Duration("interval", policy.Interval))

	run := func() {
		n, err := store.PruneResults(ctx, policy, time.Now())
		if err != nil {
			logger.Warn("round retention failed", slog.Any("err", err))
			return
		}
		if n > 0 {
			logger.Info("round history pruned", slog.Int64("rows", n))
		}
	}
	run()

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
