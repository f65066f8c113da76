package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/events"
	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/repository"
)

// Gate holds questions waiting for the technician. It is independent of the
// polling timer: confirmations can land between ticks and force an
// immediate stop-condition re-check on the poller.
type Gate struct {
	key    string
	store  repository.SessionRepository
	events events.Publisher

	mu      sync.Mutex
	pending map[model.QuestionKind]*model.PendingQuestion
	recheck func()
}

func NewGate(key string, store repository.SessionRepository, publisher events.Publisher) *Gate {
	return &Gate{
		key:     key,
		store:   store,
		events:  publisher,
		pending: make(map[model.QuestionKind]*model.PendingQuestion),
	}
}

// SetRecheck wires the poller's forced re-evaluation. Must be set before
// the first confirmation arrives.
func (g *Gate) SetRecheck(fn func()) {
	g.mu.Lock()
	g.recheck = fn
	g.mu.Unlock()
}

func (g *Gate) HasPending(kind model.QuestionKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[kind] != nil
}

// Pending returns the outstanding questions, at most one per kind.
func (g *Gate) Pending() []model.PendingQuestion {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]model.PendingQuestion, 0, len(g.pending))
	for _, q := range g.pending {
		out = append(out, *q)
	}
	return out
}

// Raise registers a new question. Returns false if one of the same kind is
// already outstanding.
func (g *Gate) Raise(ctx context.Context, q *model.PendingQuestion) bool {
	g.mu.Lock()
	if g.pending[q.Kind] != nil {
		g.mu.Unlock()
		return false
	}
	g.pending[q.Kind] = q
	g.mu.Unlock()

	log.Info().
		Str("sessionKey", g.key).
		Str("kind", string(q.Kind)).
		Time("eventAt", q.EventAt).
		Msg("question raised")

	if err := g.events.Publish(ctx, g.key, events.TypeQuestion, q); err != nil {
		log.Warn().Err(err).Str("sessionKey", g.key).Msg("failed to publish question event")
	}
	return true
}

// Confirm resolves the outstanding question of the given kind. Accepting
// persists the outcome; either way the question is removed so a future
// snapshot with a different event timestamp can raise a new one.
func (g *Gate) Confirm(ctx context.Context, kind model.QuestionKind, accepted bool) error {
	g.mu.Lock()
	q := g.pending[kind]
	if q == nil {
		g.mu.Unlock()
		return apperrors.NotFound("Pending question")
	}
	delete(g.pending, kind)
	recheck := g.recheck
	g.mu.Unlock()

	if accepted {
		if err := g.store.ConfirmOutcome(ctx, g.key, kind.Outcome()); err != nil {
			// Re-register the question so the acceptance can be retried.
			g.mu.Lock()
			g.pending[kind] = q
			g.mu.Unlock()
			return apperrors.Database(err)
		}

		if err := g.events.Publish(ctx, g.key, events.TypeOutcome, map[string]any{
			"outcome":   kind.Outcome(),
			"confirmed": true,
		}); err != nil {
			log.Warn().Err(err).Str("sessionKey", g.key).Msg("failed to publish outcome event")
		}
	}

	log.Info().
		Str("sessionKey", g.key).
		Str("kind", string(kind)).
		Bool("accepted", accepted).
		Msg("question resolved")

	if recheck != nil {
		recheck()
	}
	return nil
}

// Clear drops all outstanding questions. Used on device swap.
func (g *Gate) Clear() {
	g.mu.Lock()
	g.pending = make(map[model.QuestionKind]*model.PendingQuestion)
	g.mu.Unlock()
}
