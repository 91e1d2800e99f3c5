package lease

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedHeartbeater returns the result of fn for every heartbeat.
type scriptedHeartbeater struct {
	calls atomic.Int64
	fn    func(n int64) error

	mu     sync.Mutex
	names  []string
	stages []remoteexecution.ExecutionStage_Value
}

func (h *scriptedHeartbeater) Heartbeat(_ context.Context, name string, stage remoteexecution.ExecutionStage_Value) error {
	n := h.calls.Add(1)
	h.mu.Lock()
	h.names = append(h.names, name)
	h.stages = append(h.stages, stage)
	h.mu.Unlock()
	if h.fn == nil {
		return nil
	}
	return h.fn(n)
}

func TestPollerSendsHeartbeats(t *testing.T) {
	hb := &scriptedHeartbeater{}
	p := Start(context.Background(), hb, Options{
		Name:   "operations/1",
		Stage:  remoteexecution.ExecutionStage_EXECUTING,
		Period: 5 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return hb.calls.Load() >= 3 }, time.Second, time.Millisecond)
	p.Stop()

	hb.mu.Lock()
	assert.Equal(t, "operations/1", hb.names[0])
	assert.Equal(t, remoteexecution.ExecutionStage_EXECUTING, hb.stages[0])
	hb.mu.Unlock()
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	hb := &scriptedHeartbeater{}
	p := Start(context.Background(), hb, Options{Name: "op", Period: 2 * time.Millisecond})

	require.Eventually(t, func() bool { return hb.calls.Load() >= 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
	p.Stop()

	after := hb.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, hb.calls.Load(), "no heartbeat after Stop returns")

	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestOnDeadlineWhenLeaseLost(t *testing.T) {
	hb := &scriptedHeartbeater{fn: func(n int64) error {
		if n >= 2 {
			return ErrLeaseLost
		}
		return nil
	}}

	fired := make(chan struct{})
	var count atomic.Int64
	p := Start(context.Background(), hb, Options{
		Name:   "op",
		Period: 2 * time.Millisecond,
		OnDeadline: func() {
			if count.Add(1) == 1 {
				close(fired)
			}
		},
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnDeadline not called")
	}

	<-p.Done()
	p.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
	assert.Equal(t, int64(2), hb.calls.Load(), "polling ends once the lease is lost")
}

func TestOnDeadlineAfterRepeatedFailures(t *testing.T) {
	hb := &scriptedHeartbeater{fn: func(int64) error { return errors.New("scheduler unavailable") }}

	fired := make(chan struct{})
	p := Start(context.Background(), hb, Options{
		Name:       "op",
		Period:     2 * time.Millisecond,
		Deadline:   10 * time.Millisecond,
		OnDeadline: func() { close(fired) },
	})
	defer p.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnDeadline not called")
	}
	assert.GreaterOrEqual(t, hb.calls.Load(), int64(2))
}

func TestOnDeadlineMayStopPoller(t *testing.T) {
	hb := &scriptedHeartbeater{fn: func(int64) error { return ErrLeaseLost }}

	var p *Poller
	ready := make(chan struct{})
	stopped := make(chan struct{})
	p = Start(context.Background(), hb, Options{
		Name:   "op",
		Period: 2 * time.Millisecond,
		OnDeadline: func() {
			<-ready
			p.Stop()
			close(stopped)
		},
	})
	close(ready)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop from OnDeadline deadlocked")
	}
}

func TestParentCancelEndsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &scriptedHeartbeater{}

	called := false
	p := Start(ctx, hb, Options{Name: "op", Period: 2 * time.Millisecond, OnDeadline: func() { called = true }})
	cancel()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit on cancel")
	}
	p.Stop()
	assert.False(t, called)
}

func TestFactoryCreatesRunningPollers(t *testing.T) {
	hb := &scriptedHeartbeater{}
	f := NewFactory(context.Background(), hb, 2*time.Millisecond, 0)

	p := f.CreatePoller("operations/f", "ReportResultStage", remoteexecution.ExecutionStage_EXECUTING, func() {})
	require.Eventually(t, func() bool { return hb.calls.Load() >= 1 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestNopHeartbeater(t *testing.T) {
	assert.NoError(t, NopHeartbeater{}.Heartbeat(context.Background(), "op", remoteexecution.ExecutionStage_EXECUTING))
}

// TestRedisHeartbeater runs against a real server when
// RBE_REPORTER_TEST_REDIS_ADDR is set.
func TestRedisHeartbeater(t *testing.T) {
	addr := os.Getenv("RBE_REPORTER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RBE_REPORTER_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)
	defer client.Close()

	prefix := "rbe-test:" + uuid.NewString() + ":"
	name := "operations/redis"
	defer client.Del(ctx, prefix+name)

	mine := NewRedisHeartbeater(client, "worker-a", prefix, time.Minute)
	theirs := NewRedisHeartbeater(client, "worker-b", prefix, time.Minute)

	require.NoError(t, mine.Heartbeat(ctx, name, remoteexecution.ExecutionStage_EXECUTING))
	require.NoError(t, mine.Heartbeat(ctx, name, remoteexecution.ExecutionStage_EXECUTING))

	owner, err := mine.Owner(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	err = theirs.Heartbeat(ctx, name, remoteexecution.ExecutionStage_EXECUTING)
	assert.ErrorIs(t, err, ErrLeaseLost)

	ttl, err := client.PTTL(ctx, prefix+name).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
