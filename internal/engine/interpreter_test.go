package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/telematics"
)

func noPending(model.QuestionKind) bool { return false }

func wireTime(t time.Time) string {
	return t.Format(telematics.EventTimeLayout)
}

func baseSession() *model.DeviceTestSession {
	return &model.DeviceTestSession{
		SessionKey:      "WO1:AP1",
		ESN:             "8A551002",
		RequireIgnition: true,
		RequirePanic:    true,
	}
}

func TestEvaluateIgnition(t *testing.T) {
	now := time.Now()

	t.Run("ignition on auto-confirms when required", func(t *testing.T) {
		snap := &model.StatusSnapshot{Ignition: true}
		got := Evaluate(snap, baseSession(), noPending, now)

		require.Len(t, got, 1)
		assert.True(t, got[0].Auto)
		assert.Equal(t, model.OutcomeIgnition, got[0].Outcome)
	})

	t.Run("ignition off emits nothing", func(t *testing.T) {
		snap := &model.StatusSnapshot{Ignition: false}
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})

	t.Run("already confirmed ignition emits nothing", func(t *testing.T) {
		sess := baseSession()
		sess.Ignition = true
		snap := &model.StatusSnapshot{Ignition: true}
		assert.Empty(t, Evaluate(snap, sess, noPending, now))
	})

	t.Run("not required by profile emits nothing", func(t *testing.T) {
		sess := baseSession()
		sess.RequireIgnition = false
		snap := &model.StatusSnapshot{Ignition: true}
		assert.Empty(t, Evaluate(snap, sess, noPending, now))
	})
}

func TestEvaluatePanic(t *testing.T) {
	now := time.Now()
	fresh := wireTime(now.Add(-10 * time.Minute))

	t.Run("fresh panic event raises a question", func(t *testing.T) {
		snap := &model.StatusSnapshot{PanicTime: fresh}
		got := Evaluate(snap, baseSession(), noPending, now)

		require.Len(t, got, 1)
		require.NotNil(t, got[0].Question)
		assert.False(t, got[0].Auto)
		assert.Equal(t, model.QuestionPanic, got[0].Question.Kind)
		assert.Equal(t, fresh, got[0].Question.EventRaw)
	})

	t.Run("epoch sentinel is rejected", func(t *testing.T) {
		for _, raw := range []string{"31/12/1969 23:59:59", "01/01/1970 00:00:00"} {
			snap := &model.StatusSnapshot{PanicTime: raw}
			assert.Empty(t, Evaluate(snap, baseSession(), noPending, now), "expected %q to be rejected", raw)
		}
	})

	t.Run("stale event outside the freshness window is rejected", func(t *testing.T) {
		snap := &model.StatusSnapshot{PanicTime: wireTime(now.Add(-3 * time.Hour))}
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})

	t.Run("far-future event is rejected", func(t *testing.T) {
		snap := &model.StatusSnapshot{PanicTime: wireTime(now.Add(2 * time.Hour))}
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})

	t.Run("same timestamp as the last question is deduplicated", func(t *testing.T) {
		eventAt, ok := telematics.ParseEventTime(fresh)
		require.True(t, ok)

		sess := baseSession()
		sess.PanicAskedAt = &eventAt

		snap := &model.StatusSnapshot{PanicTime: fresh}
		assert.Empty(t, Evaluate(snap, sess, noPending, now))
	})

	t.Run("a pending question suppresses new ones even for a newer event", func(t *testing.T) {
		snap := &model.StatusSnapshot{PanicTime: fresh}
		pending := func(k model.QuestionKind) bool { return k == model.QuestionPanic }
		assert.Empty(t, Evaluate(snap, baseSession(), pending, now))
	})

	t.Run("confirmed panic emits nothing", func(t *testing.T) {
		sess := baseSession()
		sess.PanicButton = true
		snap := &model.StatusSnapshot{PanicTime: fresh}
		assert.Empty(t, Evaluate(snap, sess, noPending, now))
	})
}

func TestEvaluateLocation(t *testing.T) {
	now := time.Now()
	fresh := wireTime(now.Add(-5 * time.Minute))

	goodSnap := func() *model.StatusSnapshot {
		return &model.StatusSnapshot{
			EventTime: fresh,
			Latitude:  "-23.55",
			Longitude: "-46.63",
			MapURL:    "https://maps.example.com/?q=-23.55,-46.63",
		}
	}

	t.Run("plausible fresh fix raises a question with coordinates", func(t *testing.T) {
		got := Evaluate(goodSnap(), baseSession(), noPending, now)

		require.Len(t, got, 1)
		q := got[0].Question
		require.NotNil(t, q)
		assert.Equal(t, model.QuestionLocation, q.Kind)
		assert.InDelta(t, -23.55, q.Latitude, 1e-9)
		assert.InDelta(t, -46.63, q.Longitude, 1e-9)
		assert.Equal(t, "https://maps.example.com/?q=-23.55,-46.63", q.MapURL)
	})

	t.Run("near-origin coordinates are implausible", func(t *testing.T) {
		snap := goodSnap()
		snap.Latitude = "0.0001"
		snap.Longitude = "0.0002"
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})

	t.Run("non-numeric coordinates are rejected", func(t *testing.T) {
		snap := goodSnap()
		snap.Latitude = "n/a"
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})

	t.Run("location is required regardless of profile", func(t *testing.T) {
		sess := baseSession()
		sess.RequireIgnition = false
		sess.RequirePanic = false
		got := Evaluate(goodSnap(), sess, noPending, now)
		require.Len(t, got, 1)
		assert.Equal(t, model.QuestionLocation, got[0].Question.Kind)
	})

	t.Run("same timestamp as the last question is deduplicated", func(t *testing.T) {
		eventAt, ok := telematics.ParseEventTime(fresh)
		require.True(t, ok)

		sess := baseSession()
		sess.LocationAskedAt = &eventAt
		assert.Empty(t, Evaluate(goodSnap(), sess, noPending, now))
	})

	t.Run("missing event time emits nothing", func(t *testing.T) {
		snap := goodSnap()
		snap.EventTime = ""
		assert.Empty(t, Evaluate(snap, baseSession(), noPending, now))
	})
}

func TestEvaluateCombined(t *testing.T) {
	now := time.Now()
	fresh := wireTime(now.Add(-time.Minute))

	t.Run("one snapshot can yield ignition, panic and location", func(t *testing.T) {
		snap := &model.StatusSnapshot{
			Ignition:  true,
			PanicTime: fresh,
			EventTime: fresh,
			Latitude:  "10.5",
			Longitude: "20.5",
		}
		got := Evaluate(snap, baseSession(), noPending, now)
		require.Len(t, got, 3)
	})

	t.Run("nil inputs are safe", func(t *testing.T) {
		assert.Empty(t, Evaluate(nil, baseSession(), noPending, now))
		assert.Empty(t, Evaluate(&model.StatusSnapshot{}, nil, noPending, now))
	})
}
