package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
	"github.com/SoundOrion/JobFlow2/internal/testutil/natstest"
)

func TestNewLoopValidates(t *testing.T) {
	_, err := NewLoop(nil, func(context.Context, Delivery) error { return nil }, LoopOptions{})
	assert.ErrorIs(t, err, errspkg.ErrConsumerNameRequired)

	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	_, err = NewLoop(cons, nil, LoopOptions{})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	loop, err := NewLoop(cons, func(context.Context, Delivery) error { return nil }, LoopOptions{})
	require.NoError(t, err)
	assert.Equal(t, "workqueue_consumer", loop.Name())
}

func TestLoopAcksProcessedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	rec := &taskRecorder{}
	loop, err := NewLoop(cons, rec.handle, LoopOptions{Conn: env.conn})
	require.NoError(t, err)
	startLoop(t, loop)

	env.publish(t, "workqueue", 1, 2, 3)

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, rec.ids())

	first := rec.deliveries[0]
	assert.Equal(t, "workqueue.1", first.Subject)
	assert.Equal(t, "WORKQUEUE_STREAM", first.Stream)
	assert.Equal(t, "workqueue_consumer", first.Consumer)
	assert.Equal(t, uint64(1), first.StreamSeq)
	assert.Equal(t, uint64(1), first.NumDelivered)
	assert.False(t, first.Timestamp.IsZero())
	assert.NotEmpty(t, first.Headers.Get("Nats-Msg-Id"))

	// Acknowledged workqueue messages are removed from the stream.
	require.Eventually(t, func() bool {
		info, err := env.streams.Info(context.Background(), "WORKQUEUE_STREAM")
		return err == nil && info.Messages == 0
	}, waitFor, 10*time.Millisecond)

	stats := loop.Stats().Snapshot()
	assert.Equal(t, uint64(3), stats.Acked)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestDeliveryPublishedAtFromMessageID(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	rec := &taskRecorder{}
	loop, err := NewLoop(cons, rec.handle, LoopOptions{})
	require.NoError(t, err)
	startLoop(t, loop)

	before := time.Now().Add(-time.Second)
	env.publish(t, "workqueue", 1)
	_, err = env.publisher.Publish(context.Background(), "workqueue", envelope.New(2, "task"), WithMsgID("chosen-by-caller"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, 10*time.Millisecond)
	rec.mu.Lock()
	generated, chosen := rec.deliveries[0], rec.deliveries[1]
	rec.mu.Unlock()

	assert.True(t, generated.PublishedAt.After(before), "published at %s", generated.PublishedAt)
	assert.False(t, generated.PublishedAt.After(generated.Timestamp.Add(time.Second)))
	assert.True(t, chosen.PublishedAt.IsZero())
}

func TestLoopTerminatesMalformedEnvelopes(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	var malformed atomic.Int32
	rec := &taskRecorder{}
	loop, err := NewLoop(cons, rec.handle, LoopOptions{
		Hooks: TaskHooks{OnTaskMalformed: func(tc TaskContext, err error) {
			if errors.Is(err, errspkg.ErrMalformedEnvelope) && tc.Subject == "workqueue.bad" {
				malformed.Add(1)
			}
		}},
	})
	require.NoError(t, err)
	startLoop(t, loop)

	_, err = env.conn.JetStream().Publish(context.Background(), "workqueue.bad", []byte(`{"task_id":"seven","description":"x"}`))
	require.NoError(t, err)
	env.publish(t, "workqueue", 8)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []int64{8}, rec.ids())
	assert.Equal(t, int32(1), malformed.Load())
	assert.Equal(t, uint64(1), loop.Stats().Snapshot().Malformed)

	// Terminated deliveries are not offered again.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestLoopRedeliversFailedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 500*time.Millisecond)

	var mu sync.Mutex
	var attempts []uint64
	var failures atomic.Int32
	handler := func(_ context.Context, d Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.NumDelivered)
		mu.Unlock()
		if d.NumDelivered == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}
	loop, err := NewLoop(cons, handler, LoopOptions{
		Hooks: TaskHooks{OnTaskError: func(_ TaskContext, err error) {
			if errors.Is(err, errspkg.ErrProcessingFailure) {
				failures.Add(1)
			}
		}},
	})
	require.NoError(t, err)
	startLoop(t, loop)

	env.publish(t, "workqueue", 42)

	require.Eventually(t, func() bool { return loop.Stats().Snapshot().Acked == 1 }, waitFor, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, attempts)
	mu.Unlock()
	assert.Equal(t, int32(1), failures.Load())

	stats := loop.Stats().Snapshot()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Redelivered)
}

func TestLoopRecoversHandlerPanics(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 500*time.Millisecond)

	var calls atomic.Int32
	loop, err := NewLoop(cons, func(_ context.Context, d Delivery) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, LoopOptions{})
	require.NoError(t, err)
	startLoop(t, loop)

	env.publish(t, "workqueue", 1)

	require.Eventually(t, func() bool { return loop.Stats().Snapshot().Acked == 1 }, waitFor, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, loop.Stats().Snapshot().Errors.LastError, "panic: boom")
}

func TestLoopStopDoesNotAckUnfinishedWork(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	started := make(chan struct{})
	loop, err := NewLoop(cons, func(ctx context.Context, _ Delivery) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, LoopOptions{})
	require.NoError(t, err)
	stop := startLoop(t, loop)

	env.publish(t, "workqueue", 1)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("handler never started")
	}

	err = stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrLoopStopped)
	assert.ErrorIs(t, err, context.Canceled)

	info, err := env.streams.Info(context.Background(), "WORKQUEUE_STREAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Messages)

	ci, err := env.consumers.Info(context.Background(), "WORKQUEUE_STREAM", "workqueue_consumer")
	require.NoError(t, err)
	assert.Equal(t, 1, ci.NumAckPending)
}

func TestLoopReportsConnectionLost(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)

	fragile := connectTestEnv(t, env.srv, broker.Options{
		URL:           env.srv.ClientURL(),
		MaxReconnects: 1,
		ReconnectWait: 50 * time.Millisecond,
	})
	cons := fragile.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	loop, err := NewLoop(cons, (&taskRecorder{}).handle, LoopOptions{Conn: fragile.conn})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	env.srv.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("loop did not notice the closed connection")
	}
}

func TestLoopResumesAfterBrokerRestart(t *testing.T) {
	storeDir := t.TempDir()
	srv := natstest.RunJetStreamAt(t, -1, storeDir)
	port := natstest.Port(srv)

	env := connectTestEnv(t, srv, broker.Options{
		URL:           srv.ClientURL(),
		MaxReconnects: -1,
		ReconnectWait: 50 * time.Millisecond,
	})
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)
	cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)

	rec := &taskRecorder{}
	loop, err := NewLoop(cons, rec.handle, LoopOptions{
		Conn:                  env.conn,
		ReopenInitialInterval: 50 * time.Millisecond,
		ReopenMaxInterval:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)

	env.publish(t, "workqueue", 1)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 10*time.Millisecond)

	srv.Shutdown()
	srv.WaitForShutdown()
	natstest.RunJetStreamAt(t, port, storeDir)

	// Publishing fails until the client has reconnected. The fixed id keeps
	// a retry of a publish that did land from storing the task twice.
	require.Eventually(t, func() bool {
		_, err := env.publisher.Publish(context.Background(), "workqueue", envelope.New(2, "task"), WithMsgID("task-2-after-restart"))
		return err == nil
	}, waitFor, 100*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() == 2 }, 3*waitFor, 20*time.Millisecond)

	assert.Equal(t, []int64{1, 2}, rec.ids())
	assert.False(t, env.conn.IsClosed())
	assert.ErrorIs(t, stop(), errspkg.ErrLoopStopped)
}

func TestWorkqueueDeliversEachTaskOnce(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "WORKQUEUE_STREAM", "workqueue", streams.Workqueue, 0)

	a, b := &taskRecorder{}, &taskRecorder{}
	for _, rec := range []*taskRecorder{a, b} {
		cons := env.ensureConsumer(t, "WORKQUEUE_STREAM", "workqueue_consumer", 0)
		loop, err := NewLoop(cons, rec.handle, LoopOptions{})
		require.NoError(t, err)
		startLoop(t, loop)
	}

	const total = 20
	ids := make([]int64, total)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	env.publish(t, "workqueue", ids...)

	require.Eventually(t, func() bool { return a.count()+b.count() == total }, waitFor, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	seen := append(a.ids(), b.ids()...)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	assert.Equal(t, ids, seen)
}

func TestLimitsStreamBroadcastsToEveryDurable(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "LIMITS_STREAM", "limits", streams.Limits, 1000)

	hostA, hostB := &taskRecorder{}, &taskRecorder{}
	for name, rec := range map[string]*taskRecorder{"limits_consumer-a": hostA, "limits_consumer-b": hostB} {
		cons := env.ensureConsumer(t, "LIMITS_STREAM", name, 0)
		loop, err := NewLoop(cons, rec.handle, LoopOptions{})
		require.NoError(t, err)
		startLoop(t, loop)
	}

	env.publish(t, "limits", 1, 2, 3)

	require.Eventually(t, func() bool { return hostA.count() == 3 && hostB.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, hostA.ids())
	assert.Equal(t, []int64{1, 2, 3}, hostB.ids())

	// Limits retention keeps acknowledged messages.
	info, err := env.streams.Info(context.Background(), "LIMITS_STREAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Messages)
}

func TestLimitsEvictionIsVisibleToFreshConsumer(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "LIMITS_STREAM", "limits", streams.Limits, 3)

	env.publish(t, "limits", 1, 2, 3, 4)

	rec := &taskRecorder{}
	cons := env.ensureConsumer(t, "LIMITS_STREAM", "limits_consumer-fresh", 0)
	loop, err := NewLoop(cons, rec.handle, LoopOptions{})
	require.NoError(t, err)
	startLoop(t, loop)

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []int64{2, 3, 4}, rec.ids())
}

func TestLoopResumesFromBrokerPosition(t *testing.T) {
	env := newTestEnv(t)
	env.ensureStream(t, "LIMITS_STREAM", "limits", streams.Limits, 0)

	first := &taskRecorder{}
	cons := env.ensureConsumer(t, "LIMITS_STREAM", "limits_consumer-host", 0)
	loop, err := NewLoop(cons, first.handle, LoopOptions{})
	require.NoError(t, err)
	stop := startLoop(t, loop)

	env.publish(t, "limits", 1, 2)
	require.Eventually(t, func() bool { return first.count() == 2 }, waitFor, 10*time.Millisecond)
	_ = stop()

	env.publish(t, "limits", 3)

	second := &taskRecorder{}
	cons = env.ensureConsumer(t, "LIMITS_STREAM", "limits_consumer-host", 0)
	loop, err = NewLoop(cons, second.handle, LoopOptions{})
	require.NoError(t, err)
	startLoop(t, loop)

	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []int64{3}, second.ids())
}
