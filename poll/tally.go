package poll

import (
	"strconv"
	"sync"

	"github.com/onnwee/chzzk-vote/telemetry"
)

// Outcome is the result of closing a Tally. Winner is empty when no votes
// were cast. Tied lists every candidate sharing the top count in round
// order; two or more entries mean the round ended in a tie.
type Outcome struct {
	Winner string
	Tied   []string
}

// IsTie reports whether more than one candidate shares the top count.
func (o Outcome) IsTie() bool { return len(o.Tied) >= 2 }

// Tally counts one ballot per voter for a fixed candidate list.
//
// counts and seen are guarded by the same mutex so the check for a previous
// ballot and the increment are a single step; sum(counts) always equals
// len(seen).
type Tally struct {
	candidates []string
	index      map[string]int

	mu       sync.Mutex
	open     bool
	counts   []int
	seen     map[string]struct{}
	attempts int
	outcome  *Outcome
}

// NewTally returns an open tally for candidates. The slice is copied.
func NewTally(candidates []string) *Tally {
	c := append([]string(nil), candidates...)
	idx := make(map[string]int, len(c))
	for i, name := range c {
		idx[name] = i
	}
	return &Tally{
		candidates: c,
		index:      idx,
		open:       true,
		counts:     make([]int, len(c)),
		seen:       make(map[string]struct{}),
	}
}

// Candidates returns the round's candidates in order.
func (t *Tally) Candidates() []string { return append([]string(nil), t.candidates...) }

// resolve maps a 1-based position or an exact name to a candidate index.
func (t *Tally) resolve(identifier string) (int, bool) {
	if isDigits(identifier) {
		n, err := strconv.Atoi(identifier)
		if err != nil || n < 1 || n > len(t.candidates) {
			return 0, false
		}
		return n - 1, true
	}
	i, ok := t.index[identifier]
	return i, ok
}

// Submit records a ballot and reports whether it was counted. A ballot is
// rejected when voting is closed, the identifier does not name a candidate,
// or the voter already has a counted ballot in this round.
func (t *Tally) Submit(voterID, identifier string) bool {
	i, resolved := t.resolve(identifier)

	t.mu.Lock()
	t.attempts++
	reason := ""
	switch {
	case !t.open:
		reason = telemetry.RejectClosed
	case !resolved:
		reason = telemetry.RejectUnknownCandidate
	default:
		if _, dup := t.seen[voterID]; dup {
			reason = telemetry.RejectDuplicateVoter
		} else {
			t.seen[voterID] = struct{}{}
			t.counts[i]++
		}
	}
	t.mu.Unlock()

	telemetry.CountBallot(reason == "", reason)
	return reason == ""
}

// Open reports whether ballots are still accepted.
func (t *Tally) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Snapshot returns a copy of the current counts keyed by candidate name.
func (t *Tally) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.candidates))
	for i, name := range t.candidates {
		out[name] = t.counts[i]
	}
	return out
}

// Stats returns how many ballots were submitted and how many were counted.
func (t *Tally) Stats() (attempts, accepted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts, len(t.seen)
}

// Close stops accepting ballots and resolves the outcome. Calling Close again
// returns the same outcome.
//
// Ties are broken in favour of the candidate listed first in the round.
func (t *Tally) Close() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	if t.outcome != nil {
		return copyOutcome(*t.outcome)
	}

	top := 0
	for _, c := range t.counts {
		top = max(top, c)
	}
	var o Outcome
	if top > 0 {
		for i, c := range t.counts {
			if c == top {
				o.Tied = append(o.Tied, t.candidates[i])
			}
		}
		o.Winner = o.Tied[0]
	}
	t.outcome = &o
	return copyOutcome(o)
}

func copyOutcome(o Outcome) Outcome {
	return Outcome{Winner: o.Winner, Tied: append([]string(nil), o.Tied...)}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
