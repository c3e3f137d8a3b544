package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castbot/internal/model"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

func newTestExecutor(tx transport.Client, acc AccountStore, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return NewExecutor(tx, acc, nil, func() Config { return cfg }, logx.Nop())
}

func textMessage(rs []string) *model.Message {
	return &model.Message{ID: "m", Kind: model.KindText, Body: "hello", Recipients: rs, CreatedAt: time.Now()}
}

func waitMarks(t *testing.T, e *Executor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitMarks(ctx))
}

func TestPartition(t *testing.T) {
	sizes := func(bs [][]string) []int {
		out := []int{}
		for _, b := range bs {
			out = append(out, len(b))
		}
		return out
	}
	assert.Equal(t, []int{10, 10, 5}, sizes(Partition(recipients(25), 10)))
	assert.Equal(t, []int{10, 10}, sizes(Partition(recipients(20), 10)))
	assert.Equal(t, []int{3}, sizes(Partition(recipients(3), 10)))
	assert.Empty(t, Partition(nil, 10))

	for n := 1; n <= 57; n++ {
		for _, b := range []int{1, 3, 10, 16} {
			got := Partition(recipients(n), b)
			assert.Len(t, got, (n+b-1)/b, "n=%d b=%d", n, b)
		}
	}
}

func TestExecuteBatchesWithDelay(t *testing.T) {
	tx := newFakeTransport()
	e := newTestExecutor(tx, newFakeAccounts(), Config{BatchSize: 10, BatchDelay: 30 * time.Millisecond})

	var (
		mu    sync.Mutex
		sizes []int
	)
	e.observeBatch = func(i int, rs []string) {
		mu.Lock()
		sizes = append(sizes, len(rs))
		mu.Unlock()
	}

	rs := recipients(25)
	res := e.Execute(context.Background(), textMessage(rs))

	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 25, res.Success)
	assert.Equal(t, 0, res.Failed)
	assert.GreaterOrEqual(t, res.Elapsed, 60*time.Millisecond)
	for _, r := range rs {
		assert.Equal(t, 1, tx.count(r), r)
	}
}

func TestExecuteSendsBatchConcurrently(t *testing.T) {
	tx := newFakeTransport()
	tx.delay = 30 * time.Millisecond
	e := newTestExecutor(tx, nil, Config{BatchSize: 10})

	start := time.Now()
	res := e.Execute(context.Background(), textMessage(recipients(10)))
	assert.Equal(t, 10, res.Success)
	assert.Greater(t, tx.maxInflight.Load(), int32(1))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestExecuteFailuresDoNotAbortSiblings(t *testing.T) {
	tx := newFakeTransport()
	rs := recipients(12)
	tx.fail[rs[0]] = transport.Transient("timeout", nil)
	tx.fail[rs[5]] = transport.Permanent("bot was blocked by the user", nil)
	acc := newFakeAccounts()
	e := newTestExecutor(tx, acc, Config{BatchSize: 10})

	res := e.Execute(context.Background(), textMessage(rs))
	waitMarks(t, e)

	assert.Equal(t, 10, res.Success)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, len(rs), res.Success+res.Failed)
	for _, r := range rs {
		assert.Equal(t, 1, tx.count(r))
	}
	assert.Equal(t, 1, acc.count(rs[5]))
	assert.Equal(t, 0, acc.count(rs[0]), "transient failures are not escalated")

	kinds := map[string]model.FailureKind{}
	for _, f := range res.Failures {
		kinds[f.RecipientID] = f.Kind
	}
	assert.Equal(t, model.FailureTransient, kinds[rs[0]])
	assert.Equal(t, model.FailurePermanent, kinds[rs[5]])
}

func TestExecuteUntypedErrorIsTransient(t *testing.T) {
	tx := newFakeTransport()
	tx.fail["1"] = context.DeadlineExceeded
	acc := newFakeAccounts()
	e := newTestExecutor(tx, acc, Config{})

	res := e.Execute(context.Background(), textMessage([]string{"1"}))
	waitMarks(t, e)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.FailureTransient, res.Failures[0].Kind)
	assert.Equal(t, 0, acc.count("1"))
}

func TestExecuteMarkUnreachableErrorIsSwallowed(t *testing.T) {
	tx := newFakeTransport()
	tx.fail["1"] = transport.Permanent("chat not found", nil)
	acc := newFakeAccounts()
	acc.err = assert.AnError
	e := newTestExecutor(tx, acc, Config{})

	res := e.Execute(context.Background(), textMessage([]string{"1", "2"}))
	waitMarks(t, e)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, acc.count("1"))
}

func TestExecuteRecoversSendPanic(t *testing.T) {
	tx := newFakeTransport()
	tx.panicFor["2"] = true
	e := newTestExecutor(tx, newFakeAccounts(), Config{})

	res := e.Execute(context.Background(), textMessage([]string{"1", "2", "3"}))
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "2", res.Failures[0].RecipientID)
	assert.Equal(t, model.FailureTransient, res.Failures[0].Kind)
}

func TestExecuteHonorsRetryAfterHint(t *testing.T) {
	tx := newFakeTransport()
	tx.fail["1"] = &transport.DeliveryError{Kind: model.FailureTransient, Detail: "flood wait", RetryAfter: 120 * time.Millisecond}
	e := newTestExecutor(tx, nil, Config{BatchSize: 1, MaxPause: time.Second})

	res := e.Execute(context.Background(), textMessage([]string{"1", "2"}))
	assert.Equal(t, 2, res.Batches)
	assert.GreaterOrEqual(t, res.Elapsed, 120*time.Millisecond)
}

func TestExecuteStopsBetweenBatchesOnCancel(t *testing.T) {
	tx := newFakeTransport()
	e := newTestExecutor(tx, nil, Config{BatchSize: 10, BatchDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	e.observeBatch = func(i int, _ []string) {
		if i == 0 {
			cancel()
		}
	}
	rs := recipients(25)
	res := e.Execute(ctx, textMessage(rs))

	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 10, res.Success)
	assert.Equal(t, 15, res.Failed)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 10, tx.total())
}

func TestExecuteCapsRecordedFailures(t *testing.T) {
	tx := newFakeTransport()
	rs := recipients(250)
	for _, r := range rs {
		tx.fail[r] = transport.Permanent("blocked", nil)
	}
	acc := newFakeAccounts()
	e := newTestExecutor(tx, acc, Config{BatchSize: 50})

	res := e.Execute(context.Background(), textMessage(rs))
	waitMarks(t, e)
	assert.Equal(t, 250, res.Failed)
	assert.Len(t, res.Failures, model.MaxRecordedFailures)
	for _, r := range rs {
		assert.Equal(t, 1, acc.count(r))
	}
}

func TestExecuteMediaUsesSendMedia(t *testing.T) {
	tx := newFakeTransport()
	e := newTestExecutor(tx, nil, Config{})
	msg := &model.Message{ID: "m", Kind: model.KindMedia, MediaRef: "https://x/y.png", Body: "cap", Recipients: []string{"1", "2"}}

	res := e.Execute(context.Background(), msg)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 2, tx.media)
}
