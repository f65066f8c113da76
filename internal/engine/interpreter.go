package engine

import (
	"time"

	"github.com/fleetcheck/validator-server-go/internal/config"
	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/telematics"
)

// clockSkewAllowance tolerates device clocks running slightly ahead of the
// server when judging freshness.
const clockSkewAllowance = 5 * time.Minute

// Candidate is one effect derived from a status snapshot: either an
// auto-confirmed outcome or a question for the technician.
type Candidate struct {
	Outcome  model.OutcomeKind
	Auto     bool
	Question *model.PendingQuestion
}

// Evaluate interprets a snapshot against the current session. It is pure:
// all persistence and question bookkeeping happens in the caller. hasPending
// reports whether a question of the given kind is already outstanding.
func Evaluate(snap *model.StatusSnapshot, sess *model.DeviceTestSession, hasPending func(model.QuestionKind) bool, now time.Time) []Candidate {
	if snap == nil || sess == nil {
		return nil
	}

	var out []Candidate

	if sess.RequireIgnition && !sess.Ignition && snap.Ignition {
		out = append(out, Candidate{Outcome: model.OutcomeIgnition, Auto: true})
	}

	if q := panicCandidate(snap, sess, hasPending, now); q != nil {
		out = append(out, Candidate{Outcome: model.OutcomePanicButton, Question: q})
	}

	if q := locationCandidate(snap, sess, hasPending, now); q != nil {
		out = append(out, Candidate{Outcome: model.OutcomeLocation, Question: q})
	}

	return out
}

func panicCandidate(snap *model.StatusSnapshot, sess *model.DeviceTestSession, hasPending func(model.QuestionKind) bool, now time.Time) *model.PendingQuestion {
	if !sess.RequirePanic || sess.PanicButton || snap.PanicTime == "" {
		return nil
	}
	if hasPending(model.QuestionPanic) {
		// An unresolved question is never overwritten, even by a newer
		// event; the next snapshot can raise it once this one resolves.
		return nil
	}

	eventAt, ok := telematics.ParseEventTime(snap.PanicTime)
	if !ok || !fresh(eventAt, now) {
		return nil
	}
	if sess.PanicAskedAt != nil && eventAt.Equal(*sess.PanicAskedAt) {
		return nil
	}

	return &model.PendingQuestion{
		Kind:     model.QuestionPanic,
		EventRaw: snap.PanicTime,
		EventAt:  eventAt,
		RaisedAt: now,
	}
}

func locationCandidate(snap *model.StatusSnapshot, sess *model.DeviceTestSession, hasPending func(model.QuestionKind) bool, now time.Time) *model.PendingQuestion {
	if sess.Location || snap.EventTime == "" {
		return nil
	}
	if hasPending(model.QuestionLocation) {
		return nil
	}

	lat, lon, ok := telematics.ParseCoordinates(snap.Latitude, snap.Longitude)
	if !ok {
		return nil
	}

	eventAt, ok := telematics.ParseEventTime(snap.EventTime)
	if !ok || !fresh(eventAt, now) {
		return nil
	}
	if sess.LocationAskedAt != nil && eventAt.Equal(*sess.LocationAskedAt) {
		return nil
	}

	return &model.PendingQuestion{
		Kind:      model.QuestionLocation,
		EventRaw:  snap.EventTime,
		EventAt:   eventAt,
		MapURL:    snap.MapURL,
		Latitude:  lat,
		Longitude: lon,
		RaisedAt:  now,
	}
}

// fresh rejects stale reports and clock-invalid placeholders so they are
// never presented as "just happened". Devices without a valid clock report
// epoch-adjacent dates (1969-12-31, 1970-01-01).
func fresh(eventAt, now time.Time) bool {
	if eventAt.Year() < 2000 {
		return false
	}
	if eventAt.After(now.Add(clockSkewAllowance)) {
		return false
	}
	return now.Sub(eventAt) <= config.FreshnessWindow
}
