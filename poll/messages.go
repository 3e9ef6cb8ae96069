package poll

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Percent returns count as a rounded percentage of total, or 0 when total is 0.
func Percent(count, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(count) / float64(total) * 100))
}

func seconds(d time.Duration) int { return int(d / time.Second) }

func usage(prefix string) string {
	return fmt.Sprintf("채팅에 \"%s 1\"처럼 입력해 투표 참여!", prefix)
}

// StartMessage announces a new round.
func StartMessage(candidates []string, collect time.Duration, prefix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[카오스 효과 투표 시작] 투표 가능시간: %d초\n", seconds(collect))
	for i, name := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	b.WriteString(usage(prefix))
	return b.String()
}

// StatusMessage reports live percentages while voting is open.
func StatusMessage(candidates []string, counts map[string]int, remaining time.Duration, prefix string) string {
	total := 0
	for _, name := range candidates {
		total += counts[name]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[카오스 효과 투표 진행중] 남은 투표 가능시간: %d초\n", seconds(remaining))
	for i, name := range candidates {
		c := counts[name]
		fmt.Fprintf(&b, "%d. %s %d%% (%d표)\n", i+1, name, Percent(c, total), c)
	}
	b.WriteString(usage(prefix))
	return b.String()
}

// ResultMessage announces the winner and the final counts.
func ResultMessage(candidates []string, counts map[string]int, o Outcome, display time.Duration) string {
	winner := o.Winner
	if winner == "" {
		winner = "없음"
	} else if o.IsTie() {
		winner = strings.Join(o.Tied, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[카오스 효과 투표 종료] 최다 득표 효과: %s\n", winner)
	for i, name := range candidates {
		fmt.Fprintf(&b, "%d. %s %d표\n", i+1, name, counts[name])
	}
	fmt.Fprintf(&b, "결과는 %d초 간 고정 유지됩니다.", seconds(display))
	return b.String()
}

// CooldownMessage tells chat how long until the next round.
func CooldownMessage(cooldown time.Duration) string {
	return fmt.Sprintf("[카오스 효과 투표] 다음 투표까지 %d초 대기 중.", seconds(cooldown))
}
