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

// CommandSender is the command-endpoint dependency of the orchestrator.
type CommandSender interface {
	Send(ctx context.Context, esn string, kind model.CommandKind) error
}

type commandState struct {
	phase         model.CommandPhase
	sentAt        time.Time
	stopCountdown context.CancelFunc
}

// CommandRunner drives the active tests: one request -> acknowledgment
// window -> human confirmation cycle per command kind, with at most one
// kind in flight at a time. Nothing here survives a restart; an abandoned
// in-flight command must simply be resent.
type CommandRunner struct {
	key       string
	esn       string
	store     repository.SessionRepository
	sender    CommandSender
	events    events.Publisher
	ackWindow time.Duration

	mu      sync.Mutex
	states  map[model.CommandKind]*commandState
	recheck func()
}

func NewCommandRunner(key, esn string, store repository.SessionRepository, sender CommandSender, publisher events.Publisher, ackWindow time.Duration) *CommandRunner {
	return &CommandRunner{
		key:       key,
		esn:       esn,
		store:     store,
		sender:    sender,
		events:    publisher,
		ackWindow: ackWindow,
		states:    make(map[model.CommandKind]*commandState),
	}
}

// SetRecheck wires the poller's forced re-evaluation after confirmations.
func (r *CommandRunner) SetRecheck(fn func()) {
	r.mu.Lock()
	r.recheck = fn
	r.mu.Unlock()
}

// Busy reports whether any command kind is sending or awaiting
// acknowledgment. Consulted by the poller's entry condition.
func (r *CommandRunner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.phase != model.CommandIdle {
			return true
		}
	}
	return false
}

// States returns the transient per-kind command state for the UI.
func (r *CommandRunner) States() []model.ActiveCommandState {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := []model.CommandKind{model.CommandLock, model.CommandUnlock, model.CommandBuzzerOn, model.CommandBuzzerOff}
	out := make([]model.ActiveCommandState, 0, len(kinds))
	for _, kind := range kinds {
		s := model.ActiveCommandState{Kind: kind, Phase: model.CommandIdle}
		if st, ok := r.states[kind]; ok {
			s.Phase = st.phase
			if st.phase == model.CommandAwaitingAck {
				sentAt := st.sentAt
				s.SentAt = &sentAt
			}
		}
		out = append(out, s)
	}
	return out
}

// Send dispatches a remote command. Precondition and already-confirmed
// checks fail synchronously before any network call.
func (r *CommandRunner) Send(ctx context.Context, kind model.CommandKind) error {
	sess, err := r.store.FindByKey(ctx, r.key)
	if err != nil {
		return apperrors.Database(err)
	}
	if sess == nil {
		return apperrors.NotFound("Session")
	}

	if sess.Outcome(kind.Outcome()) {
		return apperrors.AlreadyConfirmed(string(kind))
	}
	if pre := kind.Precondition(); pre != "" && !sess.Outcome(pre) {
		return apperrors.PreconditionViolation(string(pre) + " must be confirmed before " + string(kind))
	}

	r.mu.Lock()
	for other, st := range r.states {
		if st.phase != model.CommandIdle {
			r.mu.Unlock()
			return apperrors.CommandBusy(string(other))
		}
	}
	r.states[kind] = &commandState{phase: model.CommandSending}
	r.mu.Unlock()

	r.publishPhase(ctx, kind, model.CommandSending)

	if err := r.sender.Send(ctx, r.esn, kind); err != nil {
		r.mu.Lock()
		r.states[kind] = &commandState{phase: model.CommandIdle}
		r.mu.Unlock()

		log.Warn().Err(err).Str("sessionKey", r.key).Str("command", string(kind)).Msg("command dispatch failed")
		r.publishPhase(ctx, kind, model.CommandIdle)
		return err
	}

	countdownCtx, stop := context.WithCancel(context.Background())
	sentAt := time.Now()

	r.mu.Lock()
	r.states[kind] = &commandState{
		phase:         model.CommandAwaitingAck,
		sentAt:        sentAt,
		stopCountdown: stop,
	}
	r.mu.Unlock()

	r.publishPhase(ctx, kind, model.CommandAwaitingAck)
	go r.countdown(countdownCtx, kind, sentAt)

	log.Info().Str("sessionKey", r.key).Str("command", string(kind)).Msg("command awaiting acknowledgment")
	return nil
}

// Confirm resolves an awaiting-acknowledgment command. Accepting persists
// the outcome; rejecting discards the attempt and permits a retry. The
// countdown never resolves a command by itself.
func (r *CommandRunner) Confirm(ctx context.Context, kind model.CommandKind, accepted bool) error {
	r.mu.Lock()
	st := r.states[kind]
	if st == nil || st.phase != model.CommandAwaitingAck {
		r.mu.Unlock()
		return apperrors.PreconditionViolation("No " + string(kind) + " command is awaiting acknowledgment")
	}
	stop := st.stopCountdown
	r.states[kind] = &commandState{phase: model.CommandIdle}
	recheck := r.recheck
	r.mu.Unlock()

	if stop != nil {
		stop()
	}

	if accepted {
		if err := r.store.ConfirmOutcome(ctx, r.key, kind.Outcome()); err != nil {
			return apperrors.Database(err)
		}
		if err := r.events.Publish(ctx, r.key, events.TypeOutcome, map[string]any{
			"outcome":   kind.Outcome(),
			"confirmed": true,
		}); err != nil {
			log.Debug().Err(err).Str("sessionKey", r.key).Msg("failed to publish outcome event")
		}
	}

	r.publishPhase(ctx, kind, model.CommandIdle)

	log.Info().
		Str("sessionKey", r.key).
		Str("command", string(kind)).
		Bool("accepted", accepted).
		Msg("command resolved")

	if recheck != nil {
		recheck()
	}
	return nil
}

// countdown publishes the informational once-per-second acknowledgment
// countdown. Reaching zero changes nothing: leaving AwaitingAck always
// requires the technician's explicit confirmation.
func (r *CommandRunner) countdown(ctx context.Context, kind model.CommandKind, sentAt time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	deadline := sentAt.Add(r.ackWindow)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remaining := int(deadline.Sub(now).Seconds())
			if remaining < 0 {
				return
			}
			if err := r.events.Publish(ctx, r.key, events.TypeCountdown, map[string]any{
				"command":   kind,
				"remaining": remaining,
			}); err != nil {
				log.Debug().Err(err).Str("sessionKey", r.key).Msg("failed to publish countdown event")
			}
		}
	}
}

// Shutdown cancels any running countdowns.
func (r *CommandRunner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.stopCountdown != nil {
			st.stopCountdown()
		}
	}
}

func (r *CommandRunner) publishPhase(ctx context.Context, kind model.CommandKind, phase model.CommandPhase) {
	if err := r.events.Publish(ctx, r.key, events.TypeCommandState, map[string]any{
		"command": kind,
		"phase":   phase,
	}); err != nil {
		log.Debug().Err(err).Str("sessionKey", r.key).Msg("failed to publish command state event")
	}
}
