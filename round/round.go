// Package round drives the recurring vote: it picks candidates, opens a
// chat stream for ballots, announces, tallies, displays the result and cools
// down, over and over until the run budget is spent.
//
// One Orchestrator owns one run. Every round gets its own Tally and its own
// stream; the stream is stopped when the round ends on any path, including
// context cancellation.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/chzzk-vote/chat"
	"github.com/onnwee/chzzk-vote/poll"
	"github.com/onnwee/chzzk-vote/telemetry"
)

// Phase is the orchestrator's position within a round.
type Phase int

const (
	Idle Phase = iota
	Announce
	Collecting
	Tally
	Display
	Cooldown
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Announce:
		return "announce"
	case Collecting:
		return "collecting"
	case Tally:
		return "tally"
	case Display:
		return "display"
	case Cooldown:
		return "cooldown"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Notifier posts a chat notice. *chzzkapi.Client satisfies it.
type Notifier interface {
	SendNotice(ctx context.Context, channelID, message string) error
}

// ResultSink persists a finished round.
type ResultSink interface {
	SaveResult(ctx context.Context, r Result) error
}

// Stream is a running chat subscription. *chat.Listener satisfies it.
type Stream interface {
	Start(ctx context.Context)
	WaitSubscribed(ctx context.Context) (string, error)
	Stop(timeout time.Duration) bool
}

// StreamFactory builds a fresh, unstarted stream feeding handler.
type StreamFactory func(handler chat.Handler) Stream

// Config holds the run parameters. Zero SubscribeWait, StopTimeout and
// NoticeTimeout take the defaults (2s, 5s and 15s).
type Config struct {
	Catalog           []poll.Candidate
	PerRound          int
	Collect           time.Duration
	Display           time.Duration
	Cooldown          time.Duration
	RunBudget         time.Duration
	Prefix            string
	FallbackChannelID string
	SubscribeWait     time.Duration
	StopTimeout       time.Duration
	NoticeTimeout     time.Duration
	Rand              *rand.Rand
}

// Deps are the collaborators. Notifier and Sink are optional; Now and Sleep
// default to the wall clock.
type Deps struct {
	Streams  StreamFactory
	Notifier Notifier
	Sink     ResultSink
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Result is the record of one finished round.
type Result struct {
	RoundID    string         `json:"round_id"`
	Number     int            `json:"number"`
	ChannelID  string         `json:"channel_id,omitempty"`
	Candidates []string       `json:"candidates"`
	Counts     map[string]int `json:"counts"`
	Outcome    poll.Outcome   `json:"outcome"`
	Attempts   int            `json:"attempts"`
	Accepted   int            `json:"accepted"`
	StartedAt  time.Time      `json:"started_at"`
	ClosedAt   time.Time      `json:"closed_at"`
}

// Status is a snapshot for the HTTP status endpoint.
type Status struct {
	Phase            string         `json:"phase"`
	Round            int            `json:"round"`
	RoundID          string         `json:"round_id,omitempty"`
	Candidates       []string       `json:"candidates,omitempty"`
	Counts           map[string]int `json:"counts,omitempty"`
	RemainingSeconds int            `json:"remaining_seconds,omitempty"`
	RoundsCompleted  int            `json:"rounds_completed"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	LastResult       *Result        `json:"last_result,omitempty"`
}

// Orchestrator runs rounds back to back.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	phase      Phase
	round      int
	roundID    string
	tally      *poll.Tally
	collectEnd time.Time
	completed  int
	startedAt  time.Time
	last       *Result
}

// New returns an idle orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.SubscribeWait <= 0 {
		cfg.SubscribeWait = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.NoticeTimeout <= 0 {
		cfg.NoticeTimeout = 15 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = poll.DefaultCommandPrefix
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

func (o *Orchestrator) validate() error {
	switch {
	case o.deps.Streams == nil:
		return errors.New("round: no stream factory")
	case o.cfg.RunBudget <= 0:
		return errors.New("round: run budget must be > 0")
	case o.cfg.Collect <= 0:
		return errors.New("round: collect duration must be > 0")
	case o.cfg.PerRound <= 0:
		return errors.New("round: candidates per round must be > 0")
	case len(o.cfg.Catalog) < o.cfg.PerRound:
		return fmt.Errorf("round: need at least %d candidates, have %d", o.cfg.PerRound, len(o.cfg.Catalog))
	}
	return nil
}

// Run executes rounds until the run budget is spent, checked at round
// boundaries. It returns nil when the budget ends the run and ctx.Err() when
// the context does.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}
	start := o.deps.Now()
	o.mu.Lock()
	o.startedAt = start
	o.mu.Unlock()
	defer o.setPhase(Terminated)

	slog.Info("vote run starting",
		slog.Duration("budget", o.cfg.RunBudget),
		slog.Int("catalog", len(o.cfg.Catalog)),
		slog.Int("per_round", o.cfg.PerRound))

	for n := 1; ; n++ {
		if elapsed := o.deps.Now().Sub(start); elapsed >= o.cfg.RunBudget {
			slog.Info("vote run finished", slog.Int("rounds_completed", n-1), slog.Duration("elapsed", elapsed))
			return nil
		}
		if err := o.runRound(ctx, n); err != nil {
			slog.Info("vote run aborted", slog.Int("rounds_completed", n-1), slog.Any("err", err))
			return err
		}
	}
}

// Status returns a copy of the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Phase:           o.phase.String(),
		Round:           o.round,
		RoundID:         o.roundID,
		RoundsCompleted: o.completed,
		StartedAt:       o.startedAt,
	}
	if o.tally != nil && o.phase != Terminated {
		st.Candidates = o.tally.Candidates()
		st.Counts = o.tally.Snapshot()
	}
	if o.phase == Collecting {
		if rem := o.collectEnd.Sub(o.deps.Now()); rem > 0 {
			st.RemainingSeconds = int(rem / time.Second)
		}
	}
	if o.last != nil {
		r := *o.last
		st.LastResult = &r
	}
	return st
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	telemetry.SetGauge(telemetry.RoundPhaseGauge, int(p))
}

func (o *Orchestrator) enter(ctx context.Context, p Phase) {
	o.setPhase(p)
	trace.SpanFromContext(ctx).AddEvent(p.String())
}

// runRound plays one full round. The stream lives from Announce through
// Display; Cooldown runs after it is stopped.
func (o *Orchestrator) runRound(ctx context.Context, n int) error {
	id := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, id)
	ctx, span := telemetry.StartSpan(ctx, "round", "vote.round", telemetry.RoundAttrs(id, n)...)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.Int("round", n))

	channelID, err := o.playRound(ctx, n, id, log)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	o.enter(ctx, Cooldown)
	o.notify(ctx, log, channelID, poll.CooldownMessage(o.cfg.Cooldown))
	if err := o.deps.Sleep(ctx, o.cfg.Cooldown); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (o *Orchestrator) playRound(ctx context.Context, n int, id string, log *slog.Logger) (string, error) {
	started := o.deps.Now()
	o.enter(ctx, Announce)

	r := poll.Round{
		Candidates: poll.Pick(o.cfg.Rand, o.cfg.Catalog, o.cfg.PerRound),
		Collect:    o.cfg.Collect,
		Display:    o.cfg.Display,
		Cooldown:   o.cfg.Cooldown,
	}
	tally := poll.NewTally(r.Candidates)
	o.mu.Lock()
	o.round, o.roundID, o.tally = n, id, tally
	o.mu.Unlock()
	log.Info("round starting", slog.Any("candidates", r.Candidates))

	stream := o.deps.Streams(o.ballotHandler(tally, log))
	stream.Start(ctx)
	defer func() {
		if !stream.Stop(o.cfg.StopTimeout) {
			log.Warn("chat stream did not stop in time", slog.Duration("timeout", o.cfg.StopTimeout))
		}
	}()

	channelID := o.awaitChannel(ctx, stream, log)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.notify(ctx, log, channelID, poll.StartMessage(r.Candidates, r.Collect, o.cfg.Prefix))

	if err := o.collect(ctx, r, tally, channelID, log); err != nil {
		return "", err
	}

	o.enter(ctx, Tally)
	outcome := tally.Close()
	counts := tally.Snapshot()
	attempts, accepted := tally.Stats()
	res := Result{
		RoundID:    id,
		Number:     n,
		ChannelID:  channelID,
		Candidates: r.Candidates,
		Counts:     counts,
		Outcome:    outcome,
		Attempts:   attempts,
		Accepted:   accepted,
		StartedAt:  started,
		ClosedAt:   o.deps.Now(),
	}
	log.Info("round closed",
		slog.String("winner", outcome.Winner),
		slog.Any("tied", outcome.Tied),
		slog.Int("attempts", attempts),
		slog.Int("accepted", accepted),
		slog.Int("rejected", attempts-accepted))
	if outcome.IsTie() {
		telemetry.Inc(telemetry.RoundsTied)
		log.Info("round tied", slog.Any("winners", outcome.Tied))
	}
	if o.deps.Sink != nil {
		if err := o.deps.Sink.SaveResult(ctx, res); err != nil {
			log.Error("save round result", slog.Any("err", err))
		}
	}
	o.mu.Lock()
	o.completed++
	o.last = &res
	o.mu.Unlock()
	telemetry.Inc(telemetry.RoundsCompleted)
	telemetry.Observe(telemetry.RoundDuration, res.ClosedAt.Sub(started))

	o.enter(ctx, Display)
	o.notify(ctx, log, channelID, poll.ResultMessage(r.Candidates, counts, outcome, r.Display))
	if err := o.deps.Sleep(ctx, r.Display); err != nil {
		return "", err
	}
	return channelID, nil
}

// collect ticks once per second for the collect window and broadcasts live
// percentages once, when floor(collect/2) seconds remain.
func (o *Orchestrator) collect(ctx context.Context, r poll.Round, tally *poll.Tally, channelID string, log *slog.Logger) error {
	o.mu.Lock()
	o.collectEnd = o.deps.Now().Add(r.Collect)
	o.mu.Unlock()
	o.enter(ctx, Collecting)

	total := int(r.Collect / time.Second)
	if r.Collect%time.Second != 0 {
		total++
	}
	midpoint := int(r.Collect/time.Second) / 2
	for sec := 0; sec < total; sec++ {
		remaining := total - sec
		if remaining == midpoint {
			o.notify(ctx, log, channelID, poll.StatusMessage(r.Candidates, tally.Snapshot(), time.Duration(remaining)*time.Second, o.cfg.Prefix))
		}
		step := time.Second
		if left := r.Collect - time.Duration(sec)*time.Second; left < step {
			step = left
		}
		if err := o.deps.Sleep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ballotHandler(tally *poll.Tally, log *slog.Logger) chat.Handler {
	prefix := o.cfg.Prefix
	return func(m chat.Message) {
		if m.Content == "" || m.VoterID == "" {
			return
		}
		arg, ok := poll.ParseCommand(m.Content, prefix)
		if !ok {
			return
		}
		if tally.Submit(m.VoterID, arg) {
			log.Debug("ballot accepted", slog.String("voter", m.VoterID), slog.String("choice", arg))
		}
	}
}

func (o *Orchestrator) awaitChannel(ctx context.Context, s Stream, log *slog.Logger) string {
	wctx, cancel := context.WithTimeout(ctx, o.cfg.SubscribeWait)
	defer cancel()
	ch, err := s.WaitSubscribed(wctx)
	if err == nil && ch != "" {
		return ch
	}
	if o.cfg.FallbackChannelID != "" {
		log.Info("using configured channel id", slog.String("channel_id", o.cfg.FallbackChannelID), slog.Any("err", err))
	}
	return o.cfg.FallbackChannelID
}

// notify posts a notice within NoticeTimeout; failures are logged and never
// end the round.
func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, channelID, msg string) {
	if o.deps.Notifier == nil {
		log.Info("notice", slog.String("message", msg))
		return
	}
	if channelID == "" {
		log.Warn("no channel id; notice skipped", slog.String("message", msg))
		return
	}
	nctx, cancel := context.WithTimeout(ctx, o.cfg.NoticeTimeout)
	defer cancel()
	if err := o.deps.Notifier.SendNotice(nctx, channelID, msg); err != nil {
		log.Warn("notice failed", slog.Any("err", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
