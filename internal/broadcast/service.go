package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"castbot/internal/eventbus"
	"castbot/internal/model"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Deps are the collaborators of Service. Pruner, Bus and Tracer are optional.
type Deps struct {
	Transport transport.Client
	Accounts  AccountStore
	Claims    ClaimStore
	History   HistoryStore
	Jobs      JobBackend
	Pruner    Pruner
	Bus       eventbus.Bus
	Tracer    trace.Tracer
}

type Service struct {
	log    logx.Logger
	claims ClaimStore
	jobs   JobBackend
	pruner Pruner
	bus    eventbus.Bus

	exec    *Executor
	history *HistoryRecorder

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards pool. Intake, the fast-path tick, Cancel and the durable
	// worker's status mirror all take it.
	mu   sync.Mutex
	pool map[string]*model.Message

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
	cron   *cron.Cron

	fastInFlight atomic.Int32

	enqueued             atomic.Uint64
	cancelled            atomic.Uint64
	dispatchedFast       atomic.Uint64
	dispatchedDurable    atomic.Uint64
	claimLost            atomic.Uint64
	interrupted          atomic.Uint64
	durableEnqueueFailed atomic.Uint64
	historyWriteFailed   atomic.Uint64
	recovered            atomic.Uint64
}

// New wires the service and registers the durable worker on d.Jobs, so it
// must run before the job backend is started.
func New(cfg Config, d Deps, log logx.Logger) (*Service, error) {
	if d.Transport == nil || d.Claims == nil || d.History == nil || d.Jobs == nil {
		return nil, errors.New("broadcast: transport, claims, history and jobs are required")
	}
	log = log.With(logx.String("comp", "broadcast"))
	s := &Service{
		log:     log,
		claims:  d.Claims,
		jobs:    d.Jobs,
		pruner:  d.Pruner,
		bus:     d.Bus,
		history: NewHistoryRecorder(d.History, log),
		cfg:     cfg.withDefaults(),
		pool:    map[string]*model.Message{},
	}
	s.exec = NewExecutor(d.Transport, d.Accounts, d.Tracer, s.config, log)

	if err := d.Jobs.Register(Topic, s.handleJob, s.cfg.DurableWorkers); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Apply updates dispatch tuning at runtime. DurableWorkers and the prune
// schedule take effect on the next start.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.sup != nil {
		return nil
	}
	cfg := s.config()

	n, err := s.recoverPending(ctx)
	if err != nil {
		s.log.Warn("recovery of pending broadcasts failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("recovered pending broadcasts", logx.Int("count", n))
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("broadcast.fastpath", s.fastPathLoop)

	if s.pruner != nil {
		c, err := s.newRetentionCron(cfg)
		if err != nil {
			s.log.Warn("retention schedule invalid; pruning disabled", logx.String("schedule", cfg.PruneSchedule), logx.Err(err))
		} else {
			c.Start()
			s.cron = c
		}
	}

	s.log.Info("service started",
		logx.Int("batch_size", cfg.BatchSize),
		logx.Duration("batch_delay", cfg.BatchDelay),
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("durable_workers", cfg.DurableWorkers),
	)
	return nil
}

// Stop halts the fast path and the retention job and waits for in-flight
// fast-path dispatches, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.lifeMu.Lock()
	sup, c := s.sup, s.cron
	s.sup, s.cron = nil, nil
	s.lifeMu.Unlock()
	if sup == nil {
		return nil
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	err := sup.Stop(ctx)
	if werr := s.exec.WaitMarks(ctx); err == nil {
		err = werr
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Enqueue validates d and schedules it on both paths. An empty recipient
// list is a no-op that returns a zero-target receipt.
func (s *Service) Enqueue(ctx context.Context, d Draft) (Receipt, error) {
	recipients := normalizeRecipients(d.Recipients)
	if len(recipients) == 0 {
		return Receipt{}, nil
	}
	if err := validate(d); err != nil {
		return Receipt{}, err
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		Kind:       d.Kind,
		Body:       d.Body,
		MediaRef:   strings.TrimSpace(d.MediaRef),
		Recipients: recipients,
		CreatedAt:  time.Now(),
		Status:     model.StatusPending,
	}
	if msg.Kind == model.KindMedia {
		msg.MediaType = d.MediaType
		if msg.MediaType == "" {
			msg.MediaType = model.MediaPhoto
		}
	}
	if d.NotBefore != nil && !d.NotBefore.IsZero() {
		nb := *d.NotBefore
		msg.NotBefore = &nb
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, err
	}

	// Pool first: a durable worker finishing before the pool insert would
	// otherwise leave a stale pending entry behind.
	s.mu.Lock()
	s.pool[msg.ID] = msg.Clone()
	s.mu.Unlock()

	var at time.Time
	if msg.NotBefore != nil {
		at = *msg.NotBefore
	}
	if _, err := s.jobs.EnqueueAt(ctx, Topic, payload, at); err != nil {
		s.durableEnqueueFailed.Add(1)
		s.log.Warn("durable enqueue failed; broadcast continues on fast path only",
			logx.String("id", msg.ID), logx.Err(err))
	}

	s.enqueued.Add(1)
	s.log.Info("broadcast enqueued",
		logx.String("id", msg.ID),
		logx.String("kind", string(msg.Kind)),
		logx.Int("targets", len(recipients)),
	)
	s.publish("broadcast.enqueued", msg.ID, len(recipients))
	return Receipt{ID: msg.ID, Targets: len(recipients)}, nil
}

// Cancel removes a pending message. It reports false when the message is
// unknown, already processing or terminal, or was claimed elsewhere first.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.pool[id]
	if !ok || m.Status != model.StatusPending {
		return false, nil
	}
	won, err := s.claims.TombstoneMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	delete(s.pool, id)
	s.cancelled.Add(1)
	s.log.Info("broadcast cancelled", logx.String("id", id))
	s.publish("broadcast.cancelled", id, len(m.Recipients))
	return true, nil
}

// Status returns the in-flight copy of a message, or one rebuilt from its
// history entry once it has completed. A message processed by another
// dispatcher that this process does not track reports only its id and the
// processing state.
func (s *Service) Status(ctx context.Context, id string) (*model.Message, bool) {
	s.mu.Lock()
	m, ok := s.pool[id]
	if ok {
		cp := m.Clone()
		s.mu.Unlock()
		return cp, true
	}
	s.mu.Unlock()

	e, found, err := s.history.Get(ctx, id)
	if err != nil {
		s.log.Warn("status lookup failed", logx.String("id", id), logx.Err(err))
		return nil, false
	}
	if !found {
		st, err := s.claims.MessageState(ctx, id)
		if err != nil || st != model.StatusProcessing {
			return nil, false
		}
		return &model.Message{ID: id, Status: st}, true
	}
	return &model.Message{
		ID:        e.ID,
		Kind:      e.Kind,
		Body:      e.Body,
		CreatedAt: e.CreatedAt,
		Status:    e.Status,
	}, true
}

// History returns the newest history entries, most recently sent first.
func (s *Service) History(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	return s.history.List(ctx, limit)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	size := len(s.pool)
	pending := 0
	for _, m := range s.pool {
		if m.Status == model.StatusPending {
			pending++
		}
	}
	s.mu.Unlock()

	s.lifeMu.Lock()
	running := s.sup != nil
	s.lifeMu.Unlock()

	return Snapshot{
		Running:              running,
		PoolSize:             size,
		PoolPending:          pending,
		FastPathInFlight:     int(s.fastInFlight.Load()),
		Enqueued:             s.enqueued.Load(),
		Cancelled:            s.cancelled.Load(),
		DispatchedFast:       s.dispatchedFast.Load(),
		DispatchedDurable:    s.dispatchedDurable.Load(),
		ClaimLost:            s.claimLost.Load(),
		Interrupted:          s.interrupted.Load(),
		DurableEnqueueFailed: s.durableEnqueueFailed.Load(),
		HistoryWriteFailed:   s.historyWriteFailed.Load(),
		Recovered:            s.recovered.Load(),
	}
}

// dispatch runs a message claimed by owner: execute, record history,
// finish the claim, drop the pool entry. An interrupted run records
// nothing and hands the claim back, so the durable copy resumes it; the
// returned bool is false then.
func (s *Service) dispatch(ctx context.Context, msg *model.Message, path, owner string) (model.Result, bool) {
	bg := context.WithoutCancel(ctx)

	// A previous run recorded history but died before completing the claim.
	if e, found, err := s.history.Get(ctx, msg.ID); err == nil && found {
		if err := s.claims.CompleteMessage(bg, msg.ID, owner, e.Status); err != nil {
			s.log.Warn("claim completion failed", logx.String("id", msg.ID), logx.Err(err))
		}
		s.dropEntry(msg.ID)
		s.log.Info("broadcast already recorded; claim completed", logx.String("id", msg.ID), logx.String("path", path))
		return model.Result{Success: e.SuccessCount, Failed: e.FailureCount, Elapsed: e.Elapsed}, true
	}

	s.log.Info("broadcast dispatch started",
		logx.String("id", msg.ID),
		logx.String("path", path),
		logx.Int("targets", len(msg.Recipients)),
	)
	s.publish("broadcast.started", msg.ID, len(msg.Recipients))

	runCtx, cancel := context.WithCancel(ctx)
	stopRenew := s.keepClaimed(runCtx, cancel, msg.ID, owner)
	res := s.exec.Execute(runCtx, msg)
	lost := stopRenew()
	cancel()

	fields := []logx.Field{
		logx.String("id", msg.ID),
		logx.String("path", path),
		logx.Int("targets", len(msg.Recipients)),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Int("batches", res.Batches),
		logx.Duration("dur", res.Elapsed),
	}

	if res.Interrupted {
		s.interrupted.Add(1)
		if lost {
			s.dropEntry(msg.ID)
		} else {
			if err := s.claims.ReleaseClaim(bg, msg.ID, owner); err != nil {
				s.log.Warn("claim release failed", logx.String("id", msg.ID), logx.Err(err))
			}
			s.setPoolStatus(msg.ID, model.StatusPending)
		}
		s.log.Warn("broadcast interrupted; left for resume", append(fields, logx.Bool("claim_lost", lost))...)
		s.publish("broadcast.interrupted", msg.ID, len(msg.Recipients))
		return res, false
	}

	// Bookkeeping must land even when shutdown began after the last batch.
	entry, _, err := s.history.Record(bg, msg, res)
	if err != nil {
		s.historyWriteFailed.Add(1)
	}
	if err := s.claims.CompleteMessage(bg, msg.ID, owner, entry.Status); err != nil {
		s.log.Warn("claim completion failed", logx.String("id", msg.ID), logx.Err(err))
	}
	s.dropEntry(msg.ID)

	if res.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	s.publish("broadcast.completed", msg.ID, len(msg.Recipients))
	return res, true
}

// keepClaimed renews the processing claim every ClaimLease/3 until the
// returned func is called. Losing the claim cancels the dispatch; the
// returned func reports whether that happened.
func (s *Service) keepClaimed(ctx context.Context, cancel context.CancelFunc, id, owner string) func() bool {
	var (
		lost atomic.Bool
		wg   sync.WaitGroup
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		lease := s.config().ClaimLease
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
			ok, err := s.claims.RenewClaim(ctx, id, owner, lease)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("claim renewal failed", logx.String("id", id), logx.Err(err))
				}
				continue
			}
			if !ok {
				s.log.Warn("claim lost during dispatch", logx.String("id", id))
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

// trackProcessing puts a message claimed by the durable worker in the pool,
// so Status answers for it while it runs.
func (s *Service) trackProcessing(msg *model.Message) {
	cp := msg.Clone()
	cp.Status = model.StatusProcessing
	s.mu.Lock()
	s.pool[msg.ID] = cp
	s.mu.Unlock()
}

func (s *Service) dropEntry(id string) {
	s.mu.Lock()
	delete(s.pool, id)
	s.mu.Unlock()
}

// setPoolStatus mirrors a claim into the pool entry, if present.
func (s *Service) setPoolStatus(id string, st model.Status) {
	s.mu.Lock()
	if m := s.pool[id]; m != nil {
		m.Status = st
	}
	s.mu.Unlock()
}

// BroadcastEvent is the payload of broadcast.* bus events.
type BroadcastEvent struct {
	ID      string `json:"id"`
	Targets int    `json:"targets"`
}

func (s *Service) publish(typ, id string, targets int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: BroadcastEvent{ID: id, Targets: targets}})
}

func normalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func validate(d Draft) error {
	switch d.Kind {
	case model.KindText:
		if strings.TrimSpace(d.Body) == "" {
			return &ValidationError{Field: "body", Reason: "text broadcast needs a body"}
		}
	case model.KindMedia:
		if strings.TrimSpace(d.MediaRef) == "" {
			return &ValidationError{Field: "media_ref", Reason: "media broadcast needs a media reference"}
		}
		switch d.MediaType {
		case "", model.MediaPhoto, model.MediaDocument:
		default:
			return &ValidationError{Field: "media_type", Reason: "unknown media type " + string(d.MediaType)}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(d.Kind)}
	}
	return nil
}
