package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onnwee/chzzk-vote/poll"
	"github.com/onnwee/chzzk-vote/round"
)

// SaveResult implements round.ResultSink by inserting into vote_rounds.
// Saving the same round twice keeps the first row.
func (s *Store) SaveResult(ctx context.Context, r round.Result) error {
	candidates, err := json.Marshal(r.Candidates)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return err
	}
	tied := r.Outcome.Tied
	if tied == nil {
		tied = []string{}
	}
	tiedJSON, err := json.Marshal(tied)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO vote_rounds (round_id, round_number, channel_id, candidates, counts, winner, tied, attempts, accepted, started_at, closed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (round_id) DO NOTHING`,
		r.RoundID, r.Number, r.ChannelID, string(candidates), string(counts), r.Outcome.Winner, string(tiedJSON),
		r.Attempts, r.Accepted, r.StartedAt, r.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert vote round: %w", err)
	}
	return nil
}

// RecentResults returns up to limit rounds, newest first.
func (s *Store) RecentResults(ctx context.Context, limit int) ([]round.Result, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT round_id, round_number, channel_id, candidates, counts, winner, tied, attempts, accepted, started_at, closed_at
		 FROM vote_rounds ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []round.Result
	for rows.Next() {
		var (
			r                       round.Result
			candidates, counts, tie []byte
			winner                  string
		)
		if err := rows.Scan(&r.RoundID, &r.Number, &r.ChannelID, &candidates, &counts, &winner, &tie,
			&r.Attempts, &r.Accepted, &r.StartedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(candidates, &r.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates for %s: %w", r.RoundID, err)
		}
		if err := json.Unmarshal(counts, &r.Counts); err != nil {
			return nil, fmt.Errorf("decode counts for %s: %w", r.RoundID, err)
		}
		r.Outcome = poll.Outcome{Winner: winner}
		if err := json.Unmarshal(tie, &r.Outcome.Tied); err != nil {
			return nil, fmt.Errorf("decode tied for %s: %w", r.RoundID, err)
		}
		if len(r.Outcome.Tied) == 0 {
			r.Outcome.Tied = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
