// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	BallotsAccepted  prometheus.Counter
	BallotsRejected  *prometheus.CounterVec // label: reason
	ChatMessages     prometheus.Counter
	RoundsCompleted  prometheus.Counter
	RoundsTied       prometheus.Counter
	StreamReconnects prometheus.Counter
	NoticesSent      prometheus.Counter
	NoticesFailed    prometheus.Counter

	// Histograms (seconds)
	RoundDuration     prometheus.Observer
	HandshakeDuration prometheus.Observer

	// Gauges
	SessionStateGauge prometheus.Gauge
	RoundPhaseGauge   prometheus.Gauge
)

// Rejection reasons used as the BallotsRejected label.
const (
	RejectClosed           = "closed"
	RejectUnknownCandidate = "unknown_candidate"
	RejectDuplicateVoter   = "duplicate_voter"
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		BallotsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_ballots_accepted_total", Help: "Number of ballots counted"})
		BallotsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vote_ballots_rejected_total", Help: "Number of ballots rejected by reason"}, []string{"reason"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_chat_messages_total", Help: "Number of chat messages delivered by the event stream"})
		RoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_rounds_completed_total", Help: "Number of rounds that reached the tally phase"})
		RoundsTied = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_rounds_tied_total", Help: "Number of rounds that ended with two or more winners"})
		StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_stream_reconnects_total", Help: "Number of event stream session restarts"})
		NoticesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_notices_sent_total", Help: "Number of chat notices delivered"})
		NoticesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "vote_notices_failed_total", Help: "Number of chat notices dropped after retries"})
		RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vote_round_duration_seconds", Help: "Wall-clock duration of a round", Buckets: []float64{30, 60, 120, 240, 480, 960}})
		HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vote_stream_handshake_duration_seconds", Help: "Time from session request to subscription confirmation", Buckets: prometheus.DefBuckets})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vote_stream_session_state", Help: "Event stream session state (0=disconnected .. 5=closing)"})
		RoundPhaseGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vote_round_phase", Help: "Current round phase (0=idle .. 6=terminated)"})
	})
}

// CountBallot records an accepted ballot, or a rejected one with its reason.
func CountBallot(accepted bool, reason string) {
	if accepted {
		if BallotsAccepted != nil {
			BallotsAccepted.Inc()
		}
		return
	}
	if BallotsRejected != nil {
		BallotsRejected.WithLabelValues(reason).Inc()
	}
}

// Inc increments c when it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetGauge sets g to v when it has been registered.
func SetGauge(g prometheus.Gauge, v int) {
	if g != nil {
		g.Set(float64(v))
	}
}

// Observe records d on obs when it has been registered.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	Observe(obs, d)
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
