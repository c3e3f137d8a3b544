package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/model"
	logx "castbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, topic string, ts *topicState) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if ctx.Err() != nil {
			return
		}
		cfg := s.config()
		job, err := s.store.ClaimNextJob(ctx, topic, time.Now(), cfg.Lease)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("job claim failed", logx.String("topic", topic), logx.Err(err))
		}
		if job != nil {
			s.execOne(ctx, cfg, ts.handler, *job, rng)
			continue
		}

		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-ts.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) execOne(ctx context.Context, cfg Config, h Handler, job model.Job, rng *rand.Rand) {
	start := time.Now()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.log.Debug("job.started", logx.String("topic", job.Topic), logx.String("job", job.ID), logx.Int("attempt", job.Attempts))
	s.publish("job.started", JobEvent{ID: job.ID, Topic: job.Topic, Attempts: job.Attempts})

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.HandlerTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.HandlerTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	stopLease := s.keepLeased(runCtx, cancel, cfg.Lease, job)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic", logx.String("topic", job.Topic), logx.String("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = h(runCtx, job)
	}()
	leaseLost := stopLease()
	cancel()
	dur := time.Since(start)

	// Another worker owns the job now; its outcome is not ours to record.
	if leaseLost {
		s.log.Warn("job lease lost", logx.String("topic", job.Topic), logx.String("job", job.ID), logx.Duration("dur", dur))
		return
	}

	// Shutdown mid-run: hand the job straight back so the next run resumes it.
	if err != nil && ctx.Err() != nil {
		if derr := s.store.DeferJob(context.WithoutCancel(ctx), job.ID, time.Now()); derr != nil {
			s.log.Warn("job requeue on shutdown failed", logx.String("job", job.ID), logx.Err(derr))
		}
		s.log.Debug("job interrupted by shutdown", logx.String("job", job.ID))
		return
	}

	// The store calls below must land even if ctx was canceled meanwhile.
	bg := context.WithoutCancel(ctx)
	ev := JobEvent{ID: job.ID, Topic: job.Topic, Attempts: job.Attempts, Duration: dur}

	var snooze snoozeError
	switch {
	case errors.As(err, &snooze):
		if derr := s.store.DeferJob(bg, job.ID, time.Now().Add(snooze.after)); derr != nil {
			s.log.Warn("job snooze failed", logx.String("job", job.ID), logx.Err(derr))
		}
		s.snoozed.Add(1)
		s.log.Debug("job snoozed", logx.String("job", job.ID), logx.Duration("after", snooze.after), logx.Err(snooze.err))
		s.publish("job.snoozed", ev)

	case err == nil:
		if ferr := s.store.FinishJob(bg, job.ID, model.JobDone, ""); ferr != nil {
			s.log.Warn("job ack failed", logx.String("job", job.ID), logx.Err(ferr))
		}
		s.completed.Add(1)
		s.log.Debug("job.completed", logx.String("topic", job.Topic), logx.String("job", job.ID), logx.Duration("dur", dur))
		s.publish("job.completed", ev)

	case IsNoRetry(err) || job.Attempts > cfg.RetryMax:
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
		}
		ev.Error = err.Error()
		if ferr := s.store.FinishJob(bg, job.ID, model.JobFailed, ev.Error); ferr != nil {
			s.log.Warn("job fail-ack failed", logx.String("job", job.ID), logx.Err(ferr))
		}
		s.failed.Add(1)
		s.log.Warn("job.failed", logx.String("topic", job.Topic), logx.String("job", job.ID), logx.Int("attempts", job.Attempts), logx.Duration("dur", dur), logx.Err(err))
		s.publish("job.failed", ev)

	default:
		delay := backoffDelayWithHint(cfg, job.Attempts, err, rng)
		ev.Error = err.Error()
		if rerr := s.store.RescheduleJob(bg, job.ID, time.Now().Add(delay), ev.Error); rerr != nil {
			s.log.Warn("job reschedule failed", logx.String("job", job.ID), logx.Err(rerr))
		}
		s.retried.Add(1)
		s.log.Debug("job retry scheduled", logx.String("job", job.ID), logx.Int("attempt", job.Attempts+1), logx.Duration("delay", delay), logx.Err(err))
		s.publish("job.retry", ev)
	}
}

// keepLeased renews the job lease every lease/3 while the handler runs. If
// the lease cannot be renewed because another worker re-leased the job, the
// handler is cancelled. The returned func stops renewal and reports that.
func (s *Service) keepLeased(ctx context.Context, cancel context.CancelFunc, lease time.Duration, job model.Job) func() bool {
	var (
		lost atomic.Bool
		wg   sync.WaitGroup
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(max(lease/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			ok, err := s.store.ExtendJobLease(ctx, job.ID, job.Attempts, time.Now().Add(lease))
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("job lease renewal failed", logx.String("job", job.ID), logx.Err(err))
				}
				continue
			}
			if !ok {
				lost.Store(true)
				cancel()
				return
			}
		}
	}()
	return func() bool {
		close(done)
		wg.Wait()
		return lost.Load()
	}
}

func backoffDelayWithHint(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return jitter(clamp(ra.RetryAfter(), cfg.RetryMaxDelay), cfg, rng)
	}
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return clamp(d, cfg.RetryMaxDelay)
}

func clamp(d, maxD time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
