package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"castbot/internal/eventbus"
	"castbot/internal/jobs"
	"castbot/internal/model"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    map[string]int
	media    int
	fail     map[string]error
	panicFor map[string]bool

	// gate, when non-nil, blocks every send until closed.
	gate  chan struct{}
	delay time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: map[string]int{}, fail: map[string]error{}, panicFor: map[string]bool{}}
}

func (f *fakeTransport) send(ctx context.Context, rid string) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[rid]++
	err := f.fail[rid]
	p := f.panicFor[rid]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Transient("ctx", ctx.Err())
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if p {
		panic("transport exploded")
	}
	return err
}

func (f *fakeTransport) SendText(ctx context.Context, rid, body string) error {
	return f.send(ctx, rid)
}

func (f *fakeTransport) SendMedia(ctx context.Context, rid string, media transport.Media, caption string) error {
	f.mu.Lock()
	f.media++
	f.mu.Unlock()
	return f.send(ctx, rid)
}

func (f *fakeTransport) count(rid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rid]
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeAccounts struct {
	mu    sync.Mutex
	marks map[string]int
	err   error
}

func newFakeAccounts() *fakeAccounts { return &fakeAccounts{marks: map[string]int{}} }

func (f *fakeAccounts) MarkUnreachable(ctx context.Context, rid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[rid]++
	return f.err
}

func (f *fakeAccounts) count(rid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[rid]
}

type enqueuedJob struct {
	payload []byte
	at      time.Time
}

// fakeJobs captures the registered handler so tests drive the durable path
// by hand.
type fakeJobs struct {
	mu      sync.Mutex
	handler jobs.Handler
	workers int
	queued  []enqueuedJob
	pending []model.Job
	err     error
}

func (f *fakeJobs) EnqueueAt(ctx context.Context, topic string, payload []byte, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.queued = append(f.queued, enqueuedJob{payload: payload, at: at})
	return "job-" + topic, nil
}

func (f *fakeJobs) Register(topic string, h jobs.Handler, concurrency int) error {
	if topic != Topic {
		return errors.New("unexpected topic")
	}
	f.handler = h
	f.workers = concurrency
	return nil
}

func (f *fakeJobs) Pending(ctx context.Context, topic string) ([]model.Job, error) {
	return f.pending, nil
}

func (f *fakeJobs) last(t *testing.T) enqueuedJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.queued)
	return f.queued[len(f.queued)-1]
}

// runDurable invokes the durable handler with the last enqueued payload.
func (f *fakeJobs) runDurable(t *testing.T) error {
	t.Helper()
	j := f.last(t)
	return f.handler(context.Background(), model.Job{ID: "j", Topic: Topic, Payload: j.payload, Attempts: 1})
}

type harness struct {
	svc      *Service
	store    *storage.SQLite
	tx       *fakeTransport
	accounts *fakeAccounts
	jobs     *fakeJobs
	bus      *eventbus.MemBus
}

func testConfig() Config {
	return Config{
		BatchSize:    10,
		BatchDelay:   time.Millisecond,
		TickInterval: time.Hour, // ticks are driven by hand
		MarkTimeout:  time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "castbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:    st,
		tx:       newFakeTransport(),
		accounts: newFakeAccounts(),
		jobs:     &fakeJobs{},
		bus:      eventbus.New(),
	}
	svc, err := New(cfg, Deps{
		Transport: h.tx,
		Accounts:  h.accounts,
		Claims:    st,
		History:   st,
		Jobs:      h.jobs,
		Pruner:    st,
		Bus:       h.bus,
	}, logx.Nop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(1000 + i)
	}
	return out
}
