package poll

import (
	"strings"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		content string
		wantArg string
		wantOK  bool
	}{
		{"!투표 1", "1", true},
		{"!투표1", "1", true},
		{"!투표   불꽃놀이  ", "불꽃놀이", true},
		{"!투표", "", false},
		{"!투표   ", "", false},
		{"투표 1", "", false},
		{" !투표 1", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			arg, ok := ParseCommand(tt.content, DefaultCommandPrefix)
			if arg != tt.wantArg || ok != tt.wantOK {
				t.Errorf("ParseCommand(%q) = (%q, %v), want (%q, %v)", tt.content, arg, ok, tt.wantArg, tt.wantOK)
			}
		})
	}
	if _, ok := ParseCommand("!vote 1", ""); ok {
		t.Error("empty prefix must never match")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct{ count, total, want int }{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.count, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.count, tt.total, got, tt.want)
		}
	}
}

func TestMessages(t *testing.T) {
	cands := []string{"A", "B"}
	start := StartMessage(cands, 30*time.Second, "!투표")
	if !strings.Contains(start, "30초") || !strings.Contains(start, "1. A") || !strings.Contains(start, "2. B") {
		t.Errorf("unexpected start message: %q", start)
	}

	status := StatusMessage(cands, map[string]int{"A": 1, "B": 2}, 15*time.Second, "!투표")
	if !strings.Contains(status, "15초") || !strings.Contains(status, "1. A 33% (1표)") || !strings.Contains(status, "2. B 67% (2표)") {
		t.Errorf("unexpected status message: %q", status)
	}

	none := ResultMessage(cands, map[string]int{}, Outcome{}, time.Minute)
	if !strings.Contains(none, "없음") || !strings.Contains(none, "60초") {
		t.Errorf("unexpected empty result message: %q", none)
	}
	tie := ResultMessage(cands, map[string]int{"A": 2, "B": 2}, Outcome{Winner: "A", Tied: []string{"A", "B"}}, time.Minute)
	if !strings.Contains(tie, "A, B") {
		t.Errorf("tie not reported: %q", tie)
	}

	if got := CooldownMessage(150 * time.Second); !strings.Contains(got, "150초") {
		t.Errorf("unexpected cooldown message: %q", got)
	}
}
