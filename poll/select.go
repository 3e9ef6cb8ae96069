package poll

import (
	"math/rand"
	"time"
)

// DefaultWeight is applied to catalog entries that have no configured weight.
const DefaultWeight = 10

// Candidate is a catalog entry. A Weight <= 0 keeps the candidate out of the
// weighted draw; it can still be chosen by the unweighted fallback.
type Candidate struct {
	Name   string
	Weight int
}

// Round is the immutable configuration of one poll round.
type Round struct {
	Candidates []string
	Collect    time.Duration
	Display    time.Duration
	Cooldown   time.Duration
}

// Pick returns up to n distinct candidate names from catalog.
//
// When more than n candidates have a positive weight, names are drawn by
// weighted sampling without replacement: each draw picks from the remaining
// pool with probability proportional to weight. Otherwise Pick samples
// uniformly from the positive-weight candidates, or from the whole catalog
// when none has a positive weight. Catalog names must be unique.
func Pick(rng *rand.Rand, catalog []Candidate, n int) []string {
	if n <= 0 || len(catalog) == 0 {
		return nil
	}
	eligible := make([]Candidate, 0, len(catalog))
	for _, c := range catalog {
		if c.Weight > 0 {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) <= n {
		pool := eligible
		if len(pool) == 0 {
			pool = catalog
		}
		return sampleUniform(rng, pool, n)
	}

	out := make([]string, 0, n)
	for range n {
		total := 0
		for _, c := range eligible {
			total += c.Weight
		}
		r := rng.Float64() * float64(total)
		idx := len(eligible) - 1
		acc := 0.0
		for i, c := range eligible {
			acc += float64(c.Weight)
			if r <= acc {
				idx = i
				break
			}
		}
		out = append(out, eligible[idx].Name)
		eligible = append(eligible[:idx], eligible[idx+1:]...)
	}
	return out
}

func sampleUniform(rng *rand.Rand, pool []Candidate, n int) []string {
	k := min(n, len(pool))
	perm := rng.Perm(len(pool))
	out := make([]string, 0, k)
	for _, i := range perm[:k] {
		out = append(out, pool[i].Name)
	}
	return out
}
