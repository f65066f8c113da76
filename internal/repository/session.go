package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetcheck/validator-server-go/internal/model"
)

// SessionRepository is the durable store for device test sessions. All
// mutations are per-field UPDATE statements so that the polling loop
// (attempt counters) and the confirmation gate (outcomes) never clobber
// each other under read-modify-write races.
type SessionRepository interface {
	FindByKey(ctx context.Context, key string) (*model.DeviceTestSession, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.DeviceTestSession, error)
	SetESN(ctx context.Context, key string, esn string) error
	ConfirmOutcome(ctx context.Context, key string, kind model.OutcomeKind) error
	SetPanicAsked(ctx context.Context, key string, at time.Time) error
	SetLocationAsked(ctx context.Context, key string, at time.Time, mapURL string) error
	RecordAttempt(ctx context.Context, key string, at time.Time) (int, error)
	SetActive(ctx context.Context, key string, active bool) error
	ResetForResume(ctx context.Context, key string) error
	Reset(ctx context.Context, key string, newESN *string) error
	MarkDiscarded(ctx context.Context, key string) error
	DeleteDiscarded(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// outcomeColumns whitelists the outcome flag columns; kinds outside the map
// never reach SQL.
var outcomeColumns = map[model.OutcomeKind]string{
	model.OutcomeIgnition:    "ignition_confirmed",
	model.OutcomePanicButton: "panic_confirmed",
	model.OutcomeLocation:    "location_confirmed",
	model.OutcomeLock:        "lock_confirmed",
	model.OutcomeUnlock:      "unlock_confirmed",
	model.OutcomeBuzzerOn:    "buzzer_on_confirmed",
	model.OutcomeBuzzerOff:   "buzzer_off_confirmed",
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByKey(ctx context.Context, key string) (*model.DeviceTestSession, error) {
	var session model.DeviceTestSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM device_test_sessions WHERE session_key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.DeviceTestSession, error) {
	var session model.DeviceTestSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO device_test_sessions (session_key, esn, require_ignition, require_panic)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.SessionKey, params.ESN, params.Profile.RequireIgnition, params.Profile.RequirePanic)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) SetESN(ctx context.Context, key string, esn string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			esn = $2,
			updated_at = $3
		WHERE session_key = $1
	`, key, esn, time.Now())
	return err
}

func (r *sessionRepo) ConfirmOutcome(ctx context.Context, key string, kind model.OutcomeKind) error {
	column, ok := outcomeColumns[kind]
	if !ok {
		return errors.New("unknown outcome kind: " + string(kind))
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			`+column+` = TRUE,
			updated_at = $2
		WHERE session_key = $1
	`, key, time.Now())
	return err
}

func (r *sessionRepo) SetPanicAsked(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			panic_asked_at = $2,
			updated_at = $3
		WHERE session_key = $1
	`, key, at, time.Now())
	return err
}

func (r *sessionRepo) SetLocationAsked(ctx context.Context, key string, at time.Time, mapURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			location_asked_at = $2,
			location_url = $3,
			updated_at = $4
		WHERE session_key = $1
	`, key, at, mapURL, time.Now())
	return err
}

// RecordAttempt charges one polling attempt and returns the new counter.
// The increment happens in SQL so concurrent writers cannot lose updates.
func (r *sessionRepo) RecordAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts, `
		UPDATE device_test_sessions SET
			attempts_used = attempts_used + 1,
			last_query_at = $2,
			updated_at = $2
		WHERE session_key = $1
		RETURNING attempts_used
	`, key, at)
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (r *sessionRepo) SetActive(ctx context.Context, key string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			active = $2,
			updated_at = $3
		WHERE session_key = $1
	`, key, active, time.Now())
	return err
}

// ResetForResume restarts the attempt budget after a manual resume.
func (r *sessionRepo) ResetForResume(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			attempts_used = 0,
			active = TRUE,
			updated_at = $2
		WHERE session_key = $1
	`, key, time.Now())
	return err
}

// Reset returns every outcome, asked-at marker and the attempt counter to
// defaults, optionally replacing the ESN. Used on device swap.
func (r *sessionRepo) Reset(ctx context.Context, key string, newESN *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			esn = COALESCE($2, esn),
			ignition_confirmed = FALSE,
			panic_confirmed = FALSE,
			location_confirmed = FALSE,
			lock_confirmed = FALSE,
			unlock_confirmed = FALSE,
			buzzer_on_confirmed = FALSE,
			buzzer_off_confirmed = FALSE,
			panic_asked_at = NULL,
			location_asked_at = NULL,
			location_url = NULL,
			attempts_used = 0,
			active = FALSE,
			last_query_at = NULL,
			updated_at = $3
		WHERE session_key = $1
	`, key, newESN, time.Now())
	return err
}

func (r *sessionRepo) MarkDiscarded(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_test_sessions SET
			status = 'discarded',
			updated_at = $2
		WHERE session_key = $1
	`, key, time.Now())
	return err
}

func (r *sessionRepo) DeleteDiscarded(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM device_test_sessions WHERE status = 'discarded'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
