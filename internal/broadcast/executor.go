package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"castbot/internal/model"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Executor delivers one message to its full recipient list: fixed-size
// batches sent concurrently, batches strictly sequential with a pause in
// between.
type Executor struct {
	tx       transport.Client
	accounts AccountStore
	log      logx.Logger
	tracer   trace.Tracer
	config   func() Config

	// observeBatch, when set, sees every batch before it is sent.
	observeBatch func(index int, recipients []string)

	marks sync.WaitGroup
}

// NewExecutor builds an executor. A nil tracer uses the global provider; a
// nil config func uses DefaultConfig.
func NewExecutor(tx transport.Client, accounts AccountStore, tracer trace.Tracer, config func() Config, log logx.Logger) *Executor {
	if tracer == nil {
		tracer = otel.Tracer("castbot/broadcast")
	}
	if config == nil {
		config = DefaultConfig
	}
	return &Executor{tx: tx, accounts: accounts, tracer: tracer, config: config, log: log}
}

// Partition splits recipients into consecutive batches of size, the last
// one holding the remainder.
func Partition(recipients []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		out = append(out, recipients[start:end])
	}
	return out
}

// Execute never returns an error: every per-recipient failure is folded
// into the Result. Cancelling ctx stops between batches, counts the
// recipients not attempted as transient failures and sets Interrupted.
func (e *Executor) Execute(ctx context.Context, msg *model.Message) model.Result {
	cfg := e.config()
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, Topic, trace.WithAttributes(
		attribute.String("broadcast.id", msg.ID),
		attribute.String("broadcast.kind", string(msg.Kind)),
		attribute.Int("broadcast.targets", len(msg.Recipients)),
	))
	defer span.End()

	var (
		res  model.Result
		hint time.Duration // largest backoff hint seen in the previous batch
	)
	batches := Partition(msg.Recipients, cfg.BatchSize)

	for i, batch := range batches {
		if i > 0 {
			pause := cfg.BatchDelay
			if hint > pause {
				pause = min(hint, cfg.MaxPause)
			}
			if err := sleepCtx(ctx, pause); err != nil {
				skipped := 0
				for _, rest := range batches[i:] {
					for _, rid := range rest {
						res.Failed++
						skipped++
						addFailure(&res, rid, model.FailureTransient, "not attempted: "+err.Error())
					}
				}
				res.Interrupted = true
				e.log.Warn("broadcast interrupted", logx.String("id", msg.ID), logx.Int("batch", i), logx.Int("skipped", skipped), logx.Err(err))
				break
			}
		}
		if e.observeBatch != nil {
			e.observeBatch(i, batch)
		}
		res.Batches++
		hint = 0

		outcomes := e.sendBatch(ctx, msg, batch)
		for j, err := range outcomes {
			rid := batch[j]
			switch transport.Classify(err) {
			case transport.Delivered:
				res.Success++
			case transport.PermanentFailure:
				res.Failed++
				addFailure(&res, rid, model.FailurePermanent, err.Error())
				e.markUnreachable(rid, cfg.MarkTimeout)
			default:
				res.Failed++
				addFailure(&res, rid, model.FailureTransient, err.Error())
				hint = max(hint, transport.RetryAfterHint(err))
			}
		}
	}

	// Sends cut short by ctx failed for that reason, not on their merits.
	if ctx.Err() != nil && res.Failed > 0 {
		res.Interrupted = true
	}
	res.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Bool("broadcast.interrupted", res.Interrupted),
		attribute.Int("broadcast.success", res.Success),
		attribute.Int("broadcast.failed", res.Failed),
		attribute.Int("broadcast.batches", res.Batches),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d recipients failed", res.Failed, len(msg.Recipients)))
	}
	return res
}

// sendBatch sends to every recipient concurrently and waits for all of
// them. One failure never cancels its siblings.
func (e *Executor) sendBatch(ctx context.Context, msg *model.Message, batch []string) []error {
	outcomes := make([]error, len(batch))
	var g errgroup.Group
	for j, rid := range batch {
		g.Go(func() error {
			outcomes[j] = e.sendOne(ctx, msg, rid)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor) sendOne(ctx context.Context, msg *model.Message, rid string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("send panicked", logx.String("id", msg.ID), logx.String("recipient", rid), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = transport.Transient("send panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	switch msg.Kind {
	case model.KindMedia:
		return e.tx.SendMedia(ctx, rid, transport.Media{Ref: msg.MediaRef, Type: msg.MediaType}, msg.Body)
	default:
		return e.tx.SendText(ctx, rid, msg.Body)
	}
}

// markUnreachable escalates a permanent failure without blocking the batch.
func (e *Executor) markUnreachable(rid string, timeout time.Duration) {
	if e.accounts == nil {
		return
	}
	e.marks.Add(1)
	go func() {
		defer e.marks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("mark unreachable panicked", logx.String("recipient", rid), logx.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.accounts.MarkUnreachable(ctx, rid); err != nil {
			e.log.Warn("mark unreachable failed", logx.String("recipient", rid), logx.Err(err))
		}
	}()
}

// WaitMarks blocks until pending MarkUnreachable calls finish or ctx is done.
func (e *Executor) WaitMarks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.marks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addFailure(res *model.Result, rid string, kind model.FailureKind, detail string) {
	if len(res.Failures) >= model.MaxRecordedFailures {
		return
	}
	res.Failures = append(res.Failures, model.RecipientFailure{RecipientID: rid, Kind: kind, Detail: detail})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
