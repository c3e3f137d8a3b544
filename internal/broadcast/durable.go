package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"castbot/internal/jobs"
	"castbot/internal/model"
	logx "castbot/pkg/logx"
)

// handleJob is the durable worker. It acks (returns nil) once the message
// is finished: dispatched here, tombstoned, or completed by another
// dispatcher. While someone else holds a live claim the job is snoozed, so
// the durable copy outlives a dispatcher that crashes mid-run.
func (s *Service) handleJob(ctx context.Context, job model.Job) error {
	msg, err := decodePayload(job.Payload)
	if err != nil {
		return jobs.NoRetry(err)
	}
	log := s.log.With(logx.String("id", msg.ID), logx.String("job", job.ID))
	cfg := s.config()

	owner := uuid.NewString()
	won, err := s.claims.ClaimMessage(ctx, msg.ID, owner, cfg.ClaimLease)
	if err != nil {
		return fmt.Errorf("claim broadcast: %w", err)
	}
	if !won {
		state, err := s.claims.MessageState(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("read claim state: %w", err)
		}
		if state == model.StatusCancelled {
			log.Debug("durable copy of cancelled broadcast skipped")
			return nil
		}
		s.claimLost.Add(1)
		if state.Terminal() {
			log.Debug("durable copy skipped", logx.String("state", string(state)))
			return nil
		}
		log.Debug("broadcast held by another dispatcher; rechecking later", logx.Duration("after", cfg.ClaimRecheck))
		return jobs.Snooze(ErrClaimHeld, cfg.ClaimRecheck)
	}

	msg.Status = model.StatusProcessing
	s.trackProcessing(msg)
	s.dispatchedDurable.Add(1)

	res, finished := s.dispatch(ctx, msg, "durable", owner)
	if !finished {
		if ctx.Err() != nil {
			return fmt.Errorf("broadcast interrupted: %w", ctx.Err())
		}
		return jobs.Snooze(ErrClaimHeld, cfg.ClaimRecheck)
	}
	if res.Failed > 0 {
		return jobs.NoRetry(fmt.Errorf("%w: %d of %d recipients", ErrPartialDelivery, res.Failed, len(msg.Recipients)))
	}
	return nil
}

func decodePayload(b []byte) (*model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("decode broadcast payload: %w", err)
	}
	if msg.ID == "" {
		return nil, errors.New("decode broadcast payload: missing id")
	}
	return &msg, nil
}
