package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/repository"
)

// fakeStore is an in-memory SessionRepository for engine tests. It applies
// the same per-field semantics as the SQL implementation.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*model.DeviceTestSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*model.DeviceTestSession)}
}

var _ repository.SessionRepository = (*fakeStore)(nil)

func (s *fakeStore) seed(sess *model.DeviceTestSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionKey] = &cp
}

func (s *fakeStore) get(key string) *model.DeviceTestSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		cp := *sess
		return &cp
	}
	return nil
}

func (s *fakeStore) FindByKey(ctx context.Context, key string) (*model.DeviceTestSession, error) {
	return s.get(key), nil
}

func (s *fakeStore) Create(ctx context.Context, params model.CreateSessionParams) (*model.DeviceTestSession, error) {
	sess := &model.DeviceTestSession{
		SessionKey:      params.SessionKey,
		ESN:             params.ESN,
		RequireIgnition: params.Profile.RequireIgnition,
		RequirePanic:    params.Profile.RequirePanic,
		Status:          model.SessionCurrent,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	s.seed(sess)
	return s.get(params.SessionKey), nil
}

func (s *fakeStore) SetESN(ctx context.Context, key string, esn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.ESN = esn
	}
	return nil
}

func (s *fakeStore) ConfirmOutcome(ctx context.Context, key string, kind model.OutcomeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	switch kind {
	case model.OutcomeIgnition:
		sess.Ignition = true
	case model.OutcomePanicButton:
		sess.PanicButton = true
	case model.OutcomeLocation:
		sess.Location = true
	case model.OutcomeLock:
		sess.Lock = true
	case model.OutcomeUnlock:
		sess.Unlock = true
	case model.OutcomeBuzzerOn:
		sess.BuzzerOn = true
	case model.OutcomeBuzzerOff:
		sess.BuzzerOff = true
	}
	return nil
}

func (s *fakeStore) SetPanicAsked(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.PanicAskedAt = &at
	}
	return nil
}

func (s *fakeStore) SetLocationAsked(ctx context.Context, key string, at time.Time, mapURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.LocationAskedAt = &at
		sess.LocationURL = &mapURL
	}
	return nil
}

func (s *fakeStore) RecordAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return 0, nil
	}
	sess.AttemptsUsed++
	sess.LastQueryAt = &at
	return sess.AttemptsUsed, nil
}

func (s *fakeStore) SetActive(ctx context.Context, key string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Active = active
	}
	return nil
}

func (s *fakeStore) ResetForResume(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.AttemptsUsed = 0
		sess.Active = true
	}
	return nil
}

func (s *fakeStore) Reset(ctx context.Context, key string, newESN *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	esn := sess.ESN
	if newESN != nil {
		esn = *newESN
	}
	*sess = model.DeviceTestSession{
		SessionKey:      sess.SessionKey,
		ESN:             esn,
		RequireIgnition: sess.RequireIgnition,
		RequirePanic:    sess.RequirePanic,
		Status:          sess.Status,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (s *fakeStore) MarkDiscarded(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Status = model.SessionDiscarded
	}
	return nil
}

func (s *fakeStore) DeleteDiscarded(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sess := range s.sessions {
		if sess.Status == model.SessionDiscarded {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return s
}

// recordPublisher captures published events in order.
type recordPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Key  string
	Type string
	Data any
}

func newRecordPublisher() *recordPublisher {
	return &recordPublisher{}
}

func (p *recordPublisher) Publish(ctx context.Context, sessionKey string, eventType string, data any) error {
	// Round-trip through JSON like the real broker does.
	if _, err := json.Marshal(data); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Key: sessionKey, Type: eventType, Data: data})
	return nil
}

func (p *recordPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// scriptFetcher serves scripted snapshots per call.
type scriptFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*model.StatusSnapshot, error)
}

func (f *scriptFetcher) Fetch(ctx context.Context, esn string) (*model.StatusSnapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call)
}

func (f *scriptFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptSender records dispatched commands and optionally fails them.
type scriptSender struct {
	mu    sync.Mutex
	sent  []model.CommandKind
	errFn func(kind model.CommandKind) error
}

func (s *scriptSender) Send(ctx context.Context, esn string, kind model.CommandKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errFn != nil {
		if err := s.errFn(kind); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, kind)
	return nil
}

func (s *scriptSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
