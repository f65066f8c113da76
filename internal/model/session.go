package model

import (
	"fmt"
	"time"
)

// DeviceTestSession is the durable validation record for one
// (work order, appointment) pair. Outcomes are monotonic: once true they
// stay true until an explicit reset on device swap.
type DeviceTestSession struct {
	SessionKey string `db:"session_key" json:"sessionKey"`
	ESN        string `db:"esn" json:"esn"`

	Ignition    bool `db:"ignition_confirmed" json:"ignition"`
	PanicButton bool `db:"panic_confirmed" json:"panicButton"`
	Location    bool `db:"location_confirmed" json:"location"`
	Lock        bool `db:"lock_confirmed" json:"lock"`
	Unlock      bool `db:"unlock_confirmed" json:"unlock"`
	BuzzerOn    bool `db:"buzzer_on_confirmed" json:"buzzerOn"`
	BuzzerOff   bool `db:"buzzer_off_confirmed" json:"buzzerOff"`

	PanicAskedAt    *time.Time `db:"panic_asked_at" json:"panicAskedAt,omitempty"`
	LocationAskedAt *time.Time `db:"location_asked_at" json:"locationAskedAt,omitempty"`
	LocationURL     *string    `db:"location_url" json:"locationUrl,omitempty"`

	AttemptsUsed int        `db:"attempts_used" json:"attemptsUsed"`
	Active       bool       `db:"active" json:"active"`
	LastQueryAt  *time.Time `db:"last_query_at" json:"lastQueryAt,omitempty"`

	RequireIgnition bool `db:"require_ignition" json:"requireIgnition"`
	RequirePanic    bool `db:"require_panic" json:"requirePanic"`

	Status    SessionStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `db:"updated_at" json:"updatedAt"`
}

// Outcome reads a single outcome flag by kind.
func (s *DeviceTestSession) Outcome(kind OutcomeKind) bool {
	switch kind {
	case OutcomeIgnition:
		return s.Ignition
	case OutcomePanicButton:
		return s.PanicButton
	case OutcomeLocation:
		return s.Location
	case OutcomeLock:
		return s.Lock
	case OutcomeUnlock:
		return s.Unlock
	case OutcomeBuzzerOn:
		return s.BuzzerOn
	case OutcomeBuzzerOff:
		return s.BuzzerOff
	}
	return false
}

// RequiredSatisfied reports whether every required passive outcome is
// confirmed. Location is always required; ignition and panic depend on the
// installation profile.
func (s *DeviceTestSession) RequiredSatisfied() bool {
	if s.RequireIgnition && !s.Ignition {
		return false
	}
	if s.RequirePanic && !s.PanicButton {
		return false
	}
	return s.Location
}

// InstallProfile captures which passive tests the job's installation calls
// for. Location is always tested and is not part of the profile.
type InstallProfile struct {
	RequireIgnition bool `json:"requireIgnition"`
	RequirePanic    bool `json:"requirePanic"`
}

// CreateSessionParams are the fields set when a session is first created.
type CreateSessionParams struct {
	SessionKey string
	ESN        string
	Profile    InstallProfile
}

// SessionKeyFor builds the composite store key.
func SessionKeyFor(workOrderID, appointmentID string) string {
	return fmt.Sprintf("%s:%s", workOrderID, appointmentID)
}
