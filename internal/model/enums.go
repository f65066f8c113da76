package model

// OutcomeKind identifies one of the seven per-session test outcomes.
type OutcomeKind string

const (
	OutcomeIgnition    OutcomeKind = "ignition"
	OutcomePanicButton OutcomeKind = "panicButton"
	OutcomeLocation    OutcomeKind = "location"
	OutcomeLock        OutcomeKind = "lock"
	OutcomeUnlock      OutcomeKind = "unlock"
	OutcomeBuzzerOn    OutcomeKind = "buzzerOn"
	OutcomeBuzzerOff   OutcomeKind = "buzzerOff"
)

// QuestionKind is a passive test that needs human confirmation.
type QuestionKind string

const (
	QuestionPanic    QuestionKind = "panic"
	QuestionLocation QuestionKind = "location"
)

// Outcome returns the session outcome a confirmed question maps to.
func (k QuestionKind) Outcome() OutcomeKind {
	if k == QuestionPanic {
		return OutcomePanicButton
	}
	return OutcomeLocation
}

// CommandKind is a remote command sent to the device during active tests.
type CommandKind string

const (
	CommandLock      CommandKind = "lock"
	CommandUnlock    CommandKind = "unlock"
	CommandBuzzerOn  CommandKind = "buzzerOn"
	CommandBuzzerOff CommandKind = "buzzerOff"
)

// Code returns the integer command code understood by the command endpoint.
func (k CommandKind) Code() int {
	switch k {
	case CommandLock:
		return 1
	case CommandUnlock:
		return 2
	case CommandBuzzerOn:
		return 3
	case CommandBuzzerOff:
		return 4
	}
	return 0
}

// Outcome returns the session outcome a confirmed command maps to.
func (k CommandKind) Outcome() OutcomeKind {
	switch k {
	case CommandLock:
		return OutcomeLock
	case CommandUnlock:
		return OutcomeUnlock
	case CommandBuzzerOn:
		return OutcomeBuzzerOn
	case CommandBuzzerOff:
		return OutcomeBuzzerOff
	}
	return ""
}

// Precondition returns the outcome that must already be confirmed before the
// command may be sent, or "" if there is none.
func (k CommandKind) Precondition() OutcomeKind {
	switch k {
	case CommandUnlock:
		return OutcomeLock
	case CommandBuzzerOff:
		return OutcomeBuzzerOn
	}
	return ""
}

// ParseCommandKind validates a command kind from the API.
func ParseCommandKind(s string) (CommandKind, bool) {
	switch CommandKind(s) {
	case CommandLock, CommandUnlock, CommandBuzzerOn, CommandBuzzerOff:
		return CommandKind(s), true
	}
	return "", false
}

// ParseQuestionKind validates a question kind from the API.
func ParseQuestionKind(s string) (QuestionKind, bool) {
	switch QuestionKind(s) {
	case QuestionPanic, QuestionLocation:
		return QuestionKind(s), true
	}
	return "", false
}

// CommandPhase is the lifecycle phase of an active command attempt.
type CommandPhase string

const (
	CommandIdle        CommandPhase = "idle"
	CommandSending     CommandPhase = "sending"
	CommandAwaitingAck CommandPhase = "awaitingAck"
)

// PollState is the polling loop state for a session.
type PollState string

const (
	PollIdle    PollState = "idle"
	PollRunning PollState = "running"
	PollPaused  PollState = "paused"
	PollStopped PollState = "stopped"
)

// SessionStatus marks whether the enclosing job is still live.
type SessionStatus string

const (
	SessionCurrent   SessionStatus = "current"
	SessionDiscarded SessionStatus = "discarded"
)
