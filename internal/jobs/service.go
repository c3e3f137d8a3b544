// Package jobs is a small durable job backend: handlers registered per
// topic consume jobs persisted through a Store, with bounded concurrency,
// leases that survive crashes, and retry with backoff.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"castbot/internal/eventbus"
	"castbot/internal/model"
	"castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

type topicState struct {
	handler     Handler
	concurrency int
	wake        chan struct{}
}

type Service struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	topics  map[string]*topicState
	sup     *supervisor.Supervisor
	stopped bool

	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	snoozed   atomic.Uint64
	panics    atomic.Uint64
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		store:  store,
		log:    log.With(logx.String("comp", "jobs")),
		bus:    bus,
		cfg:    cfg.withDefaults(),
		topics: map[string]*topicState{},
	}
}

// Register installs the handler for topic. It must be called before Start.
func (s *Service) Register(topic string, h Handler, concurrency int) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || h == nil {
		return errors.New("jobs: topic and handler are required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return ErrStarted
	}
	s.topics[topic] = &topicState{handler: h, concurrency: concurrency, wake: make(chan struct{}, concurrency)}
	return nil
}

// Apply updates retry and polling knobs. Concurrency is fixed at Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.sup != nil {
		return ErrStarted
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for topic, ts := range s.topics {
		for i := 0; i < ts.concurrency; i++ {
			topic, ts := topic, ts
			s.sup.GoRestart(fmt.Sprintf("jobs.%s.worker.%d", topic, i), func(ctx context.Context) error {
				s.worker(ctx, topic, ts)
				return nil
			})
		}
	}
	s.log.Info("job workers started", logx.Int("topics", len(s.topics)))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.stopped = true
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Enqueue persists payload under topic and wakes an idle worker.
func (s *Service) Enqueue(ctx context.Context, topic string, payload []byte) (string, error) {
	return s.EnqueueAt(ctx, topic, payload, time.Time{})
}

// EnqueueAt is Enqueue for a job that must not run before at. A zero at
// means now.
func (s *Service) EnqueueAt(ctx context.Context, topic string, payload []byte, at time.Time) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	ts := s.topics[topic]
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}
	if ts == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	id := uuid.NewString()
	if err := s.store.InsertJob(ctx, model.Job{ID: id, Topic: topic, Payload: payload, AvailableAt: at}); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	s.enqueued.Add(1)
	select {
	case ts.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Pending lists jobs of topic that are queued or leased.
func (s *Service) Pending(ctx context.Context, topic string) ([]model.Job, error) {
	return s.store.PendingJobs(ctx, topic)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	topics := make(map[string]int, len(s.topics))
	for k, v := range s.topics {
		topics[k] = v.concurrency
	}
	running := s.sup != nil && !s.stopped
	s.mu.Unlock()
	return Snapshot{
		Running:   running,
		Topics:    topics,
		InFlight:  s.inFlight.Load(),
		Enqueued:  s.enqueued.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Snoozed:   s.snoozed.Load(),
		Panics:    s.panics.Load(),
	}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
