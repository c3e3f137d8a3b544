package broadcast

import (
	"context"
	"fmt"

	"castbot/internal/model"
	logx "castbot/pkg/logx"
)

// recoverPending rebuilds the working pool from durable jobs left by a
// previous run, so Status answers for them and the fast path competes again.
// A message whose processing claim lapsed reads as pending and is recovered
// too; one still held by a live claim is left to its durable job.
func (s *Service) recoverPending(ctx context.Context) (int, error) {
	pending, err := s.jobs.Pending(ctx, Topic)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	n := 0
	for _, j := range pending {
		msg, err := decodePayload(j.Payload)
		if err != nil {
			s.log.Warn("skipping undecodable job", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		st, err := s.claims.MessageState(ctx, msg.ID)
		if err != nil {
			return n, fmt.Errorf("claim state %s: %w", msg.ID, err)
		}
		if st != model.StatusPending {
			continue
		}
		msg.Status = model.StatusPending
		s.mu.Lock()
		if _, ok := s.pool[msg.ID]; !ok {
			s.pool[msg.ID] = msg
			n++
		}
		s.mu.Unlock()
	}
	s.recovered.Add(uint64(n))
	return n, nil
}
