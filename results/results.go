// Package results publishes finished rounds outside the process: the
// vote_result.lua / vote_result.txt files read by the game-side script, and
// a fan-out that also feeds the database store.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/chzzk-vote/poll"
	"github.com/onnwee/chzzk-vote/round"
)

// File names written by FileSink.
const (
	LuaFile  = "vote_result.lua"
	TextFile = "vote_result.txt"
)

// FileSink writes the winner to LuaFile and TextFile in Dir.
type FileSink struct {
	Dir string
}

// Contents renders the result file body: "effect_name=<name>\n", the
// comma-joined tie list when two or more candidates tied, and an empty file
// when there is no winner.
func Contents(o poll.Outcome) string {
	switch {
	case o.Winner == "":
		return ""
	case o.IsTie():
		return "effect_name=" + strings.Join(o.Tied, ", ") + "\n"
	default:
		return "effect_name=" + o.Winner + "\n"
	}
}

// SaveResult implements round.ResultSink.
func (s FileSink) SaveResult(_ context.Context, r round.Result) error {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("result dir: %w", err)
	}
	body := []byte(Contents(r.Outcome))
	for _, name := range []string{LuaFile, TextFile} {
		if err := writeAtomic(filepath.Join(dir, name), body); err != nil {
			return err
		}
	}
	slog.Debug("result files written", slog.String("dir", dir), slog.String("round_id", r.RoundID))
	return nil
}

// writeAtomic replaces path so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		slog.Debug("chmod result file", slog.Any("err", err))
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Multi hands a result to every sink and joins their errors.
type Multi []round.ResultSink

// SaveResult implements round.ResultSink.
func (m Multi) SaveResult(ctx context.Context, r round.Result) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SaveResult(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
