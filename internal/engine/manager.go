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

// ManagerConfig carries engine-wide settings from the server config.
type ManagerConfig struct {
	PollInterval         time.Duration
	QueryTimeout         time.Duration
	MaxAttempts          int
	AckWindow            time.Duration
	CommandsBlockPolling bool
}

// validator bundles the per-session engine pieces. The poller, gate and
// command runner share one session key and one ESN; a device swap replaces
// the whole bundle.
type validator struct {
	esn      string
	poller   *Poller
	gate     *Gate
	commands *CommandRunner
}

// Manager owns one validator per session key and enforces the single
// active loop invariant across device swaps and shutdown.
type Manager struct {
	store   repository.SessionRepository
	fetcher StatusFetcher
	sender  CommandSender
	events  events.Publisher
	cfg     ManagerConfig

	mu         sync.Mutex
	validators map[string]*validator
}

func NewManager(store repository.SessionRepository, fetcher StatusFetcher, sender CommandSender, publisher events.Publisher, cfg ManagerConfig) *Manager {
	return &Manager{
		store:      store,
		fetcher:    fetcher,
		sender:     sender,
		events:     publisher,
		cfg:        cfg,
		validators: make(map[string]*validator),
	}
}

func (m *Manager) buildValidator(key, esn string) *validator {
	gate := NewGate(key, m.store, m.events)
	commands := NewCommandRunner(key, esn, m.store, m.sender, m.events, m.cfg.AckWindow)

	var busy func() bool
	if m.cfg.CommandsBlockPolling {
		busy = commands.Busy
	}

	poller := NewPoller(key, esn, m.store, m.fetcher, gate, m.events, PollerConfig{
		Interval:     m.cfg.PollInterval,
		QueryTimeout: m.cfg.QueryTimeout,
		MaxAttempts:  m.cfg.MaxAttempts,
	}, busy)

	gate.SetRecheck(poller.Recheck)
	commands.SetRecheck(poller.Recheck)

	return &validator{esn: esn, poller: poller, gate: gate, commands: commands}
}

// AssignDevice creates the session on first device assignment, or performs
// a device swap: tear down the old loop, reset every outcome and counter,
// and start fresh with the new ESN.
func (m *Manager) AssignDevice(ctx context.Context, workOrderID, appointmentID, esn string, profile model.InstallProfile) (*model.DeviceTestSession, error) {
	if esn == "" {
		return nil, apperrors.MissingRequired("esn")
	}
	key := model.SessionKeyFor(workOrderID, appointmentID)

	sess, err := m.store.FindByKey(ctx, key)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if sess == nil {
		sess, err = m.store.Create(ctx, model.CreateSessionParams{
			SessionKey: key,
			ESN:        esn,
			Profile:    profile,
		})
		if err != nil {
			return nil, apperrors.Database(err)
		}

		m.mu.Lock()
		m.validators[key] = m.buildValidator(key, esn)
		m.mu.Unlock()

		log.Info().Str("sessionKey", key).Str("esn", esn).Msg("session created")
		return sess, nil
	}

	if sess.ESN == esn {
		// Same device: make sure a validator exists (e.g. after restart).
		m.validatorFor(key, esn)
		return sess, nil
	}

	// Device swap: the old loop must be fully torn down before the reset
	// so no stale query can mutate the fresh session.
	m.mu.Lock()
	old := m.validators[key]
	delete(m.validators, key)
	m.mu.Unlock()

	if old != nil {
		old.poller.Stop(ctx)
		old.gate.Clear()
		old.commands.Shutdown()
	}

	if err := m.store.Reset(ctx, key, &esn); err != nil {
		return nil, apperrors.Database(err)
	}

	m.mu.Lock()
	m.validators[key] = m.buildValidator(key, esn)
	m.mu.Unlock()

	log.Info().Str("sessionKey", key).Str("esn", esn).Msg("device swapped, session reset")

	return m.sessionOrErr(ctx, key)
}

// validatorFor returns the validator for a key, building one lazily so a
// session persisted before a restart can resume.
func (m *Manager) validatorFor(key, esn string) *validator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.validators[key]; ok {
		return v
	}
	v := m.buildValidator(key, esn)
	m.validators[key] = v
	return v
}

func (m *Manager) lookup(ctx context.Context, key string) (*validator, error) {
	m.mu.Lock()
	v := m.validators[key]
	m.mu.Unlock()
	if v != nil {
		return v, nil
	}

	// Lazy rebuild from the store after a restart.
	sess, err := m.store.FindByKey(ctx, key)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sess == nil {
		return nil, apperrors.NotFound("Session")
	}
	return m.validatorFor(key, sess.ESN), nil
}

func (m *Manager) StartPolling(ctx context.Context, key string) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.poller.Start(ctx)
}

func (m *Manager) PausePolling(ctx context.Context, key string) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.poller.Pause(ctx)
}

func (m *Manager) ResumePolling(ctx context.Context, key string) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.poller.Resume(ctx)
}

func (m *Manager) StopPolling(ctx context.Context, key string) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	v.poller.Stop(ctx)
	return nil
}

func (m *Manager) Confirm(ctx context.Context, key string, kind model.QuestionKind, accepted bool) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.gate.Confirm(ctx, kind, accepted)
}

func (m *Manager) SendCommand(ctx context.Context, key string, kind model.CommandKind) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.commands.Send(ctx, kind)
}

func (m *Manager) ConfirmCommand(ctx context.Context, key string, kind model.CommandKind, accepted bool) error {
	v, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}
	return v.commands.Confirm(ctx, kind, accepted)
}

// SessionView is the full engine state for one session, shaped for the UI.
type SessionView struct {
	Session   *model.DeviceTestSession   `json:"session"`
	PollState model.PollState            `json:"pollState"`
	Pending   []model.PendingQuestion    `json:"pendingQuestions"`
	Commands  []model.ActiveCommandState `json:"commands"`
}

func (m *Manager) Session(ctx context.Context, key string) (*SessionView, error) {
	sess, err := m.store.FindByKey(ctx, key)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sess == nil {
		return nil, apperrors.NotFound("Session")
	}

	v := m.validatorFor(key, sess.ESN)
	return &SessionView{
		Session:   sess,
		PollState: v.poller.State(),
		Pending:   v.gate.Pending(),
		Commands:  v.commands.States(),
	}, nil
}

// Discard tears down the validator and marks the session's job discarded;
// the cleanup job deletes the row later.
func (m *Manager) Discard(ctx context.Context, key string) error {
	m.mu.Lock()
	v := m.validators[key]
	delete(m.validators, key)
	m.mu.Unlock()

	if v != nil {
		v.poller.Stop(ctx)
		v.gate.Clear()
		v.commands.Shutdown()
	}

	if err := m.store.MarkDiscarded(ctx, key); err != nil {
		return apperrors.Database(err)
	}
	log.Info().Str("sessionKey", key).Msg("session discarded")
	return nil
}

// Shutdown stops every loop and countdown. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	validators := make([]*validator, 0, len(m.validators))
	for _, v := range m.validators {
		validators = append(validators, v)
	}
	m.validators = make(map[string]*validator)
	m.mu.Unlock()

	for _, v := range validators {
		v.poller.Stop(ctx)
		v.commands.Shutdown()
	}
	log.Info().Int("count", len(validators)).Msg("validation engine shut down")
}

func (m *Manager) sessionOrErr(ctx context.Context, key string) (*model.DeviceTestSession, error) {
	sess, err := m.store.FindByKey(ctx, key)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sess == nil {
		return nil, apperrors.NotFound("Session")
	}
	return sess, nil
}
