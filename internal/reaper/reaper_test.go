package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/agenthub/internal/session"
)

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Reconcile(ctx context.Context) (*session.ReconcileResult, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.(*session.ReconcileResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReconcileRecordsStatus(t *testing.T) {
	rc := &MockReconciler{}
	r := New(rc, time.Minute, testLogger())

	rc.On("Reconcile", mock.Anything).Return(&session.ReconcileResult{
		Failed:  []string{"s1", "s2"},
		Orphans: []string{"c1"},
	}, nil).Once()

	r.reconcile(context.Background())

	st := r.Status()
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 2, st.Failed)
	assert.Equal(t, 1, st.Orphans)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastRun.IsZero())
	rc.AssertExpectations(t)
}

func TestReconcileErrorKeepsPartialResult(t *testing.T) {
	rc := &MockReconciler{}
	r := New(rc, time.Minute, testLogger())

	rc.On("Reconcile", mock.Anything).Return(&session.ReconcileResult{Failed: []string{"s1"}}, errors.New("docker unavailable")).Once()
	rc.On("Reconcile", mock.Anything).Return(nil, errors.New("docker unavailable")).Once()

	r.reconcile(context.Background())
	r.reconcile(context.Background())

	st := r.Status()
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, "docker unavailable", st.LastError)
}

func TestRunReconcilesImmediatelyAndOnTick(t *testing.T) {
	rc := &MockReconciler{}
	r := New(rc, 20*time.Millisecond, testLogger())
	rc.On("Reconcile", mock.Anything).Return(&session.ReconcileResult{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Status().Runs >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
