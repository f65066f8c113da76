package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/events"
	"github.com/fleetcheck/validator-server-go/internal/model"
)

func newTestGate(t *testing.T) (*Gate, *fakeStore, *recordPublisher) {
	t.Helper()
	store := newFakeStore()
	store.seed(&model.DeviceTestSession{
		SessionKey:      "WO1:AP1",
		ESN:             "8A551002",
		RequireIgnition: true,
		RequirePanic:    true,
		Status:          model.SessionCurrent,
	})
	pub := newRecordPublisher()
	return NewGate("WO1:AP1", store, pub), store, pub
}

func panicQuestion(at time.Time) *model.PendingQuestion {
	return &model.PendingQuestion{
		Kind:     model.QuestionPanic,
		EventRaw: at.Format("02/01/2006 15:04:05"),
		EventAt:  at,
		RaisedAt: time.Now(),
	}
}

func TestGateRaise(t *testing.T) {
	ctx := context.Background()

	t.Run("raises and publishes a question", func(t *testing.T) {
		gate, _, pub := newTestGate(t)

		ok := gate.Raise(ctx, panicQuestion(time.Now()))
		assert.True(t, ok)
		assert.True(t, gate.HasPending(model.QuestionPanic))
		assert.Equal(t, 1, pub.count(events.TypeQuestion))
	})

	t.Run("never duplicates an outstanding question of the same kind", func(t *testing.T) {
		gate, _, pub := newTestGate(t)

		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))
		assert.False(t, gate.Raise(ctx, panicQuestion(time.Now().Add(time.Minute))))
		assert.Equal(t, 1, pub.count(events.TypeQuestion))
	})

	t.Run("holds one question per kind", func(t *testing.T) {
		gate, _, _ := newTestGate(t)

		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))
		require.True(t, gate.Raise(ctx, &model.PendingQuestion{
			Kind:    model.QuestionLocation,
			EventAt: time.Now(),
		}))
		assert.Len(t, gate.Pending(), 2)
	})
}

func TestGateConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("accept persists the outcome and removes the question", func(t *testing.T) {
		gate, store, pub := newTestGate(t)
		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))

		require.NoError(t, gate.Confirm(ctx, model.QuestionPanic, true))

		assert.True(t, store.get("WO1:AP1").PanicButton)
		assert.False(t, gate.HasPending(model.QuestionPanic))
		assert.Equal(t, 1, pub.count(events.TypeOutcome))
	})

	t.Run("reject removes the question without touching the outcome", func(t *testing.T) {
		gate, store, _ := newTestGate(t)
		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))

		require.NoError(t, gate.Confirm(ctx, model.QuestionPanic, false))

		assert.False(t, store.get("WO1:AP1").PanicButton)
		assert.False(t, gate.HasPending(model.QuestionPanic))
	})

	t.Run("a resolved question allows a new one to be raised", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))
		require.NoError(t, gate.Confirm(ctx, model.QuestionPanic, false))

		assert.True(t, gate.Raise(ctx, panicQuestion(time.Now().Add(time.Minute))))
	})

	t.Run("confirming without a pending question fails", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		err := gate.Confirm(ctx, model.QuestionPanic, true)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("confirmation forces a poller re-check", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		rechecked := false
		gate.SetRecheck(func() { rechecked = true })

		require.True(t, gate.Raise(ctx, panicQuestion(time.Now())))
		require.NoError(t, gate.Confirm(ctx, model.QuestionPanic, true))
		assert.True(t, rechecked)
	})
}

func TestGateClear(t *testing.T) {
	gate, _, _ := newTestGate(t)
	require.True(t, gate.Raise(context.Background(), panicQuestion(time.Now())))

	gate.Clear()
	assert.Empty(t, gate.Pending())
}
