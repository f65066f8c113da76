package model

import "time"

// StatusSnapshot is one normalized read of the device-status endpoint.
// It is never persisted; only its effects on the session are.
type StatusSnapshot struct {
	ESN      string
	Ignition bool

	// PanicTime is the raw panic-button event timestamp, empty if none.
	PanicTime string

	// EventTime is the raw location event timestamp, empty if none.
	EventTime string
	Latitude  string
	Longitude string
	MapURL    string

	// Echo fields from the device, unused by the passive flow.
	LockState   string
	BuzzerState string
}

// PendingQuestion is a detected event waiting for the technician to
// accept or reject. At most one exists per kind at a time.
type PendingQuestion struct {
	Kind      QuestionKind `json:"kind"`
	EventRaw  string       `json:"eventTimestamp"`
	EventAt   time.Time    `json:"eventTimestampIso"`
	MapURL    string       `json:"mapUrl,omitempty"`
	Latitude  float64      `json:"lat,omitempty"`
	Longitude float64      `json:"lon,omitempty"`
	RaisedAt  time.Time    `json:"raisedAt"`
}

// ActiveCommandState is the transient per-kind command flow state. It is
// deliberately not persisted: an in-flight command is abandoned on restart
// and must be resent.
type ActiveCommandState struct {
	Kind   CommandKind  `json:"kind"`
	Phase  CommandPhase `json:"phase"`
	SentAt *time.Time   `json:"sentAt,omitempty"`
}
