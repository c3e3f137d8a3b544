package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castbot/internal/eventbus"
	"castbot/internal/model"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) (*Service, *storage.SQLite) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	return New(cfg, st, logx.Nop(), eventbus.New()), st
}

func stopService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func jobState(t *testing.T, st *storage.SQLite, id string) model.JobState {
	t.Helper()
	j, ok, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return j.State
}

func TestServiceRunsHandler(t *testing.T) {
	s, st := newTestService(t, Config{})
	got := make(chan []byte, 1)
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		got <- j.Payload
		return nil
	}, 2))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", []byte("hello"))
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, []byte("hello"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobDone }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Completed)
}

func TestServiceNoRetryFailsOnce(t *testing.T) {
	s, st := newTestService(t, Config{RetryMax: 3, RetryBase: time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		calls.Add(1)
		return NoRetry(errors.New("partial"))
	}, 1))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobFailed }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	j, _, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "partial", j.LastError)
}

func TestServiceRetriesTransientErrors(t *testing.T) {
	s, st := newTestService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, 1))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobDone }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), s.Snapshot().Retried)
}

func TestServiceRecoversPanics(t *testing.T) {
	s, st := newTestService(t, Config{})
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		panic("boom")
	}, 1))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Panics)
}

func TestServicePicksUpJobsFromEarlierRun(t *testing.T) {
	s, st := newTestService(t, Config{})
	require.NoError(t, st.InsertJob(context.Background(), model.Job{ID: "left-over", Topic: "t", Payload: []byte("x")}))

	done := make(chan string, 1)
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		done <- j.ID
		return nil
	}, 1))

	pending, err := s.Pending(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	select {
	case id := <-done:
		assert.Equal(t, "left-over", id)
	case <-time.After(2 * time.Second):
		t.Fatal("left-over job not processed")
	}
}

func TestServiceRegisterAfterStart(t *testing.T) {
	s, _ := newTestService(t, Config{})
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	err := s.Register("t", func(context.Context, model.Job) error { return nil }, 1)
	assert.ErrorIs(t, err, ErrStarted)
}

func TestServiceEnqueueAfterStop(t *testing.T) {
	s, _ := newTestService(t, Config{})
	require.NoError(t, s.Start(context.Background()))
	stopService(t, s)

	_, err := s.Enqueue(context.Background(), "t", nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	cfg := Config{RetryMaxDelay: 10 * time.Second, RetryJitter: 0.0001}.withDefaults()
	d := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("flood"), 3*time.Second), nil)
	assert.Equal(t, 3*time.Second, d)

	d = backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("flood"), time.Hour), nil)
	assert.Equal(t, 10*time.Second, d)

	d = backoffDelayWithHint(Config{RetryBase: time.Second, RetryMaxDelay: 3 * time.Second}, 4, errors.New("x"), nil)
	assert.Equal(t, 3*time.Second, d)
}

func TestNoRetryWrapping(t *testing.T) {
	base := errors.New("base")
	err := NoRetry(base)
	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, NoRetry(nil))
	assert.False(t, IsNoRetry(base))
}

func TestServiceEnqueueAtDelaysJob(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		ran <- struct{}{}
		return nil
	}, 1))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	_, err := s.EnqueueAt(context.Background(), "t", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("delayed job ran early")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestServiceEnqueueUnknownTopic(t *testing.T) {
	s, _ := newTestService(t, Config{})
	_, err := s.Enqueue(context.Background(), "nobody-listens", nil)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestServiceSnoozeDoesNotSpendAttempts(t *testing.T) {
	s, st := newTestService(t, Config{PollInterval: 5 * time.Millisecond, RetryMax: 0})
	var calls atomic.Int32
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		if calls.Add(1) <= 2 {
			return Snooze(errors.New("held elsewhere"), 10*time.Millisecond)
		}
		return nil
	}, 1))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobDone }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Snoozed)
	assert.Equal(t, uint64(0), snap.Failed)

	j, _, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)
}

func TestServiceRenewsLeaseWhileHandlerRuns(t *testing.T) {
	s, st := newTestService(t, Config{PollInterval: 5 * time.Millisecond, Lease: 60 * time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		calls.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, 2))
	require.NoError(t, s.Start(context.Background()))
	defer stopService(t, s)

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return jobState(t, st, id) == model.JobDone }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a running job must not be handed to a second worker")
	assert.Equal(t, uint64(1), s.Snapshot().Completed)
}

func TestServiceShutdownRequeuesRunningJob(t *testing.T) {
	s, st := newTestService(t, Config{PollInterval: 5 * time.Millisecond})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Register("t", func(ctx context.Context, j model.Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}, 1))
	require.NoError(t, s.Start(context.Background()))

	id, err := s.Enqueue(context.Background(), "t", nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	stopService(t, s)

	j, ok, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.JobQueued, j.State)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, uint64(0), s.Snapshot().Failed)
}
