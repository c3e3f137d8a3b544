package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"

	"castbot/internal/model"
	logx "castbot/pkg/logx"
)

func (s *Service) fastPathLoop(ctx context.Context) error {
	for {
		t := time.NewTimer(s.config().TickInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		s.tick(ctx)
	}
}

// tick advances at most one message: the pending entry with the earliest
// due time, provided it is due and the in-flight cap allows it.
func (s *Service) tick(ctx context.Context) {
	if int(s.fastInFlight.Load()) >= s.config().FastPathMaxInflight {
		return
	}
	s.lifeMu.Lock()
	sup := s.sup
	s.lifeMu.Unlock()
	if sup == nil {
		return
	}
	now := time.Now()

	s.mu.Lock()
	var cand *model.Message
	for _, m := range s.pool {
		if m.Status != model.StatusPending {
			continue
		}
		if cand == nil || m.DueAt().Before(cand.DueAt()) {
			cand = m
		}
	}
	if cand == nil || cand.DueAt().After(now) {
		s.mu.Unlock()
		return
	}

	owner := uuid.NewString()
	won, err := s.claims.ClaimMessage(ctx, cand.ID, owner, s.config().ClaimLease)
	if err != nil {
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.log.Warn("fast-path claim failed", logx.String("id", cand.ID), logx.Err(err))
		}
		return
	}
	// A lost claim belongs to another dispatcher: a durable worker here
	// tracks it itself, anything else is answered by the claim store.
	if !won {
		delete(s.pool, cand.ID)
		s.mu.Unlock()
		s.claimLost.Add(1)
		return
	}
	cand.Status = model.StatusProcessing
	msg := cand.Clone()
	s.fastInFlight.Add(1)
	s.mu.Unlock()

	s.dispatchedFast.Add(1)
	sup.Go0("broadcast.fastpath.dispatch", func(ctx context.Context) {
		defer s.fastInFlight.Add(-1)
		s.dispatch(ctx, msg, "fast", owner)
	})
}
