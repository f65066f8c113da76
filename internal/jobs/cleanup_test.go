package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"

	"github.com/fleetcheck/validator-server-go/internal/model"
	"github.com/fleetcheck/validator-server-go/internal/repository"
)

type mockSessionRepo struct {
	deleteDiscardedCount int64
	deleteCalls          atomic.Int32
}

func (m *mockSessionRepo) FindByKey(ctx context.Context, key string) (*model.DeviceTestSession, error) {
	return nil, nil
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.DeviceTestSession, error) {
	return nil, nil
}

func (m *mockSessionRepo) SetESN(ctx context.Context, key string, esn string) error {
	return nil
}

func (m *mockSessionRepo) ConfirmOutcome(ctx context.Context, key string, kind model.OutcomeKind) error {
	return nil
}

func (m *mockSessionRepo) SetPanicAsked(ctx context.Context, key string, at time.Time) error {
	return nil
}

func (m *mockSessionRepo) SetLocationAsked(ctx context.Context, key string, at time.Time, mapURL string) error {
	return nil
}

func (m *mockSessionRepo) RecordAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	return 0, nil
}

func (m *mockSessionRepo) SetActive(ctx context.Context, key string, active bool) error {
	return nil
}

func (m *mockSessionRepo) ResetForResume(ctx context.Context, key string) error {
	return nil
}

func (m *mockSessionRepo) Reset(ctx context.Context, key string, newESN *string) error {
	return nil
}

func (m *mockSessionRepo) MarkDiscarded(ctx context.Context, key string) error {
	return nil
}

func (m *mockSessionRepo) DeleteDiscarded(ctx context.Context) (int64, error) {
	m.deleteCalls.Add(1)
	return m.deleteDiscardedCount, nil
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(nil, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		repo := &mockSessionRepo{}
		job := NewCleanupJob(repo, 100*time.Millisecond)

		job.Start()
		time.Sleep(50 * time.Millisecond)
		job.Stop()
	})

	t.Run("runs cleanup on start", func(t *testing.T) {
		repo := &mockSessionRepo{deleteDiscardedCount: 3}
		job := NewCleanupJob(repo, 1*time.Hour)

		job.Start()
		time.Sleep(10 * time.Millisecond)
		job.Stop()

		assert.GreaterOrEqual(t, repo.deleteCalls.Load(), int32(1))
	})
}
