package poll

import (
	"math"
	"math/rand"
	"testing"
)

func names(cs ...string) []Candidate {
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, Candidate{Name: c, Weight: DefaultWeight})
	}
	return out
}

func assertDistinct(t *testing.T, got []string) {
	t.Helper()
	seen := map[string]bool{}
	for _, g := range got {
		if seen[g] {
			t.Fatalf("duplicate pick %q in %v", g, got)
		}
		seen[g] = true
	}
}

func TestPickSizes(t *testing.T) {
	tests := []struct {
		name    string
		catalog []Candidate
		n       int
		want    int
	}{
		{"weighted path", names("a", "b", "c", "d", "e"), 3, 3},
		{"exactly n eligible", names("a", "b", "c"), 3, 3},
		{"fewer than n", names("a", "b"), 3, 2},
		{"empty catalog", nil, 3, 0},
		{"zero requested", names("a", "b"), 0, 0},
		{"all non-positive falls back to catalog", []Candidate{{"a", 0}, {"b", -1}, {"c", 0}, {"d", 0}}, 3, 3},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 50 {
				got := Pick(rng, tt.catalog, tt.n)
				if len(got) != tt.want {
					t.Fatalf("len(Pick) = %d, want %d (%v)", len(got), tt.want, got)
				}
				assertDistinct(t, got)
			}
		})
	}
}

func TestPickWeightedNeverSelectsZeroWeight(t *testing.T) {
	catalog := []Candidate{{"a", 5}, {"b", 5}, {"zero", 0}, {"neg", -3}, {"c", 5}, {"d", 5}}
	rng := rand.New(rand.NewSource(7))
	for range 2000 {
		for _, g := range Pick(rng, catalog, 3) {
			if g == "zero" || g == "neg" {
				t.Fatalf("non-positive weight candidate %q selected on weighted path", g)
			}
		}
	}
}

func TestPickFallbackUsesOnlyEligible(t *testing.T) {
	// Two eligible, three requested: fallback samples from the eligible pool only.
	catalog := []Candidate{{"a", 1}, {"b", 1}, {"x", 0}, {"y", 0}}
	rng := rand.New(rand.NewSource(3))
	for range 200 {
		got := Pick(rng, catalog, 3)
		if len(got) != 2 {
			t.Fatalf("got %v, want 2 names", got)
		}
		for _, g := range got {
			if g != "a" && g != "b" {
				t.Fatalf("fallback selected ineligible %q", g)
			}
		}
	}
}

func TestPickFrequencyProportionalToWeight(t *testing.T) {
	// A single pick from the weighted path is proportional to weight.
	catalog := []Candidate{{"light", 1}, {"mid", 3}, {"heavy", 6}}
	rng := rand.New(rand.NewSource(42))
	const trials = 60000
	counts := map[string]int{}
	for range trials {
		got := Pick(rng, catalog, 1)
		counts[got[0]]++
	}
	for _, c := range catalog {
		want := float64(c.Weight) / 10
		got := float64(counts[c.Name]) / trials
		if math.Abs(got-want) > 0.02 {
			t.Errorf("%s frequency = %.3f, want ~%.3f", c.Name, got, want)
		}
	}
}

func TestPickDoesNotMutateCatalog(t *testing.T) {
	catalog := []Candidate{{"a", 1}, {"b", 2}, {"c", 3}, {"d", 4}}
	orig := append([]Candidate(nil), catalog...)
	Pick(rand.New(rand.NewSource(9)), catalog, 2)
	for i := range catalog {
		if catalog[i] != orig[i] {
			t.Fatalf("catalog mutated: %v", catalog)
		}
	}
}
