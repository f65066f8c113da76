package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/events"
	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/repository"
)

// StatusFetcher is the status-endpoint dependency of the poller.
type StatusFetcher interface {
	Fetch(ctx context.Context, esn string) (*model.StatusSnapshot, error)
}

// PollerConfig carries the timing knobs so tests can shrink them.
type PollerConfig struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	MaxAttempts  int
}

// Poller owns the polling loop for one session: one timer, one in-flight
// query at most, a bounded attempt budget, and idempotent teardown. State
// machine: Idle -> Running -> {Paused, Stopped}; Resume restarts the budget.
type Poller struct {
	key     string
	esn     string
	store   repository.SessionRepository
	fetcher StatusFetcher
	gate    *Gate
	events  events.Publisher
	cfg     PollerConfig

	// commandsBusy blocks loop entry while a remote command awaits
	// acknowledgment. Nil when active commands do not conflict.
	commandsBusy func() bool

	mu      sync.Mutex
	state   model.PollState
	cancel  context.CancelFunc
	done    chan struct{}
	recheck chan struct{}
}

func NewPoller(key, esn string, store repository.SessionRepository, fetcher StatusFetcher, gate *Gate, publisher events.Publisher, cfg PollerConfig, commandsBusy func() bool) *Poller {
	return &Poller{
		key:          key,
		esn:          esn,
		store:        store,
		fetcher:      fetcher,
		gate:         gate,
		events:       publisher,
		cfg:          cfg,
		commandsBusy: commandsBusy,
		state:        model.PollIdle,
		recheck:      make(chan struct{}, 1),
	}
}

func (p *Poller) State() model.PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start checks the entry conditions and launches the loop. The loop runs on
// its own context so it outlives the triggering request.
func (p *Poller) Start(ctx context.Context) error {
	if p.esn == "" {
		return apperrors.MissingRequired("esn")
	}
	if p.commandsBusy != nil && p.commandsBusy() {
		return apperrors.Conflict("A remote command is awaiting acknowledgment")
	}

	sess, err := p.store.FindByKey(ctx, p.key)
	if err != nil {
		return apperrors.Database(err)
	}
	if sess == nil {
		return apperrors.NotFound("Session")
	}
	if sess.RequiredSatisfied() {
		return apperrors.AlreadyConfirmed("every required passive outcome")
	}
	if sess.AttemptsUsed >= p.cfg.MaxAttempts {
		return apperrors.BudgetExhausted()
	}

	p.mu.Lock()
	switch p.state {
	case model.PollRunning:
		p.mu.Unlock()
		return apperrors.Conflict("Polling is already running")
	case model.PollPaused:
		p.mu.Unlock()
		return apperrors.PreconditionViolation("Polling is paused; resume it instead")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.state = model.PollRunning
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	if err := p.store.SetActive(ctx, p.key, true); err != nil {
		log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to persist active flag")
	}
	p.publishState(ctx, model.PollRunning, "started")

	go p.run(loopCtx, done)

	log.Info().Str("sessionKey", p.key).Str("esn", p.esn).Msg("polling started")
	return nil
}

// Stop tears the loop down: cancels the timer and any in-flight query,
// and returns once the loop goroutine has exited. Calling it again, or on
// a loop that already stopped itself, is a no-op.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state != model.PollRunning {
		p.mu.Unlock()
		return
	}
	p.state = model.PollStopped
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	if err := p.store.SetActive(ctx, p.key, false); err != nil {
		log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to persist active flag")
	}
	p.publishState(ctx, model.PollStopped, "manual")
	log.Info().Str("sessionKey", p.key).Msg("polling stopped")
}

// Pause halts the loop without touching the attempt budget.
func (p *Poller) Pause(ctx context.Context) error {
	p.mu.Lock()
	if p.state != model.PollRunning {
		p.mu.Unlock()
		return apperrors.PreconditionViolation("Polling is not running")
	}
	p.state = model.PollPaused
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	if err := p.store.SetActive(ctx, p.key, false); err != nil {
		log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to persist active flag")
	}
	p.publishState(ctx, model.PollPaused, "paused")
	log.Info().Str("sessionKey", p.key).Msg("polling paused")
	return nil
}

// Resume is the explicit human action that restarts polling after a pause
// or after the budget ran out. It always resets the attempt budget first.
func (p *Poller) Resume(ctx context.Context) error {
	p.mu.Lock()
	if p.state == model.PollRunning {
		p.mu.Unlock()
		return apperrors.Conflict("Polling is already running")
	}
	p.state = model.PollIdle
	p.mu.Unlock()

	if err := p.store.ResetForResume(ctx, p.key); err != nil {
		return apperrors.Database(err)
	}

	log.Info().Str("sessionKey", p.key).Msg("attempt budget reset on resume")
	return p.Start(ctx)
}

// Recheck forces the stop condition to be re-evaluated before the next
// tick, so a confirmation between ticks does not cost an extra query.
func (p *Poller) Recheck() {
	select {
	case p.recheck <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First query happens immediately; the timer only paces the rest.
	if p.cycle(ctx) {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.recheck:
			if p.evaluateStop(ctx) {
				return
			}

		case <-ticker.C:
			if p.cycle(ctx) {
				return
			}
			// A tick that fired while the query was in flight is
			// dropped, not queued.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// cycle evaluates the stop condition and, if the loop should continue,
// performs one charged query. Returns true when the loop must exit.
func (p *Poller) cycle(ctx context.Context) (stopped bool) {
	if p.evaluateStop(ctx) {
		return true
	}
	p.query(ctx)
	return false
}

func (p *Poller) evaluateStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	sess, err := p.store.FindByKey(ctx, p.key)
	if err != nil {
		log.Warn().Err(err).Str("sessionKey", p.key).Msg("stop-check read failed, continuing")
		return false
	}
	if sess == nil {
		log.Warn().Str("sessionKey", p.key).Msg("session vanished, stopping loop")
		return p.finish(ctx, "missing")
	}

	if sess.AttemptsUsed >= p.cfg.MaxAttempts {
		log.Info().Str("sessionKey", p.key).Int("attempts", sess.AttemptsUsed).Msg("attempt budget exhausted")
		return p.finish(ctx, "budget_exhausted")
	}
	if sess.RequiredSatisfied() {
		log.Info().Str("sessionKey", p.key).Msg("required outcomes satisfied")
		return p.finish(ctx, "satisfied")
	}
	return false
}

// finish transitions Running -> Stopped from inside the loop.
func (p *Poller) finish(ctx context.Context, reason string) bool {
	p.mu.Lock()
	if p.state != model.PollRunning {
		// Concurrent external Stop/Pause already owns the transition.
		p.mu.Unlock()
		return true
	}
	p.state = model.PollStopped
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	bgCtx, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bgCancel()
	if err := p.store.SetActive(bgCtx, p.key, false); err != nil {
		log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to persist active flag")
	}
	p.publishState(bgCtx, model.PollStopped, reason)
	return true
}

// query performs one charged attempt: the attempt is counted whether or not
// the network call succeeds, and a transport failure only surfaces a
// diagnostic while the loop waits for its next tick.
func (p *Poller) query(ctx context.Context) {
	now := time.Now()

	attempts, err := p.store.RecordAttempt(ctx, p.key, now)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to record attempt")
		}
		return
	}

	if err := p.events.Publish(ctx, p.key, events.TypeAttempt, map[string]any{
		"attemptsUsed": attempts,
		"maxAttempts":  p.cfg.MaxAttempts,
	}); err != nil {
		log.Debug().Err(err).Str("sessionKey", p.key).Msg("failed to publish attempt event")
	}

	qctx, qcancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer qcancel()

	snap, err := p.fetcher.Fetch(qctx, p.esn)

	// Teardown during the query: the result must not mutate state.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.diagnose(ctx, err)
		return
	}
	if snap == nil {
		log.Debug().Str("sessionKey", p.key).Msg("no device report this tick")
		return
	}

	p.apply(ctx, snap)
}

// apply re-reads the session and applies interpreter candidates.
func (p *Poller) apply(ctx context.Context, snap *model.StatusSnapshot) {
	sess, err := p.store.FindByKey(ctx, p.key)
	if err != nil || sess == nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionKey", p.key).Msg("session read failed after query")
		}
		return
	}

	for _, c := range Evaluate(snap, sess, p.gate.HasPending, time.Now()) {
		if c.Auto {
			if err := p.store.ConfirmOutcome(ctx, p.key, c.Outcome); err != nil {
				log.Warn().Err(err).Str("sessionKey", p.key).Msg("failed to persist auto outcome")
				continue
			}
			log.Info().Str("sessionKey", p.key).Str("outcome", string(c.Outcome)).Msg("outcome auto-confirmed")
			if err := p.events.Publish(ctx, p.key, events.TypeOutcome, map[string]any{
				"outcome":   c.Outcome,
				"confirmed": true,
			}); err != nil {
				log.Debug().Err(err).Str("sessionKey", p.key).Msg("failed to publish outcome event")
			}
			continue
		}

		q := c.Question

		// Persist the asked-at marker first so the same physical event is
		// not re-asked on the next snapshot, then hand the question to
		// the gate.
		switch q.Kind {
		case model.QuestionPanic:
			err = p.store.SetPanicAsked(ctx, p.key, q.EventAt)
		case model.QuestionLocation:
			err = p.store.SetLocationAsked(ctx, p.key, q.EventAt, q.MapURL)
		}
		if err != nil {
			log.Warn().Err(err).Str("sessionKey", p.key).Str("kind", string(q.Kind)).Msg("failed to persist asked-at marker")
			continue
		}

		p.gate.Raise(ctx, q)
	}
}

func (p *Poller) diagnose(ctx context.Context, err error) {
	code := apperrors.GetCode(err)
	log.Warn().
		Err(err).
		Str("sessionKey", p.key).
		Str("code", string(code)).
		Msg("status query failed, waiting for next tick")

	if pubErr := p.events.Publish(ctx, p.key, events.TypeDiagnostic, map[string]any{
		"code":    code,
		"message": err.Error(),
	}); pubErr != nil {
		log.Debug().Err(pubErr).Str("sessionKey", p.key).Msg("failed to publish diagnostic event")
	}
}

func (p *Poller) publishState(ctx context.Context, state model.PollState, reason string) {
	if err := p.events.Publish(ctx, p.key, events.TypePollState, map[string]any{
		"state":  state,
		"reason": reason,
	}); err != nil {
		log.Debug().Err(err).Str("sessionKey", p.key).Msg("failed to publish poll state event")
	}
}
