package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
	"github.com/SoundOrion/JobFlow2/internal/testutil/natstest"
)

const waitFor = 10 * time.Second

type testEnv struct {
	srv       *server.Server
	conn      *broker.Conn
	streams   *streams.Registry
	consumers *consumers.Registry
	publisher *Publisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := natstest.RunJetStream(t)
	return connectTestEnv(t, srv, broker.Options{URL: srv.ClientURL()})
}

func connectTestEnv(t *testing.T, srv *server.Server, opts broker.Options) *testEnv {
	t.Helper()
	log := loggingpkg.NewNopServiceLogger()
	conn, err := broker.Connect(context.Background(), opts, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	pub, err := NewPublisher(conn, log, nil)
	require.NoError(t, err)

	return &testEnv{
		srv:       srv,
		conn:      conn,
		streams:   streams.NewRegistry(conn.JetStream(), log),
		consumers: consumers.NewRegistry(conn.JetStream(), log),
		publisher: pub,
	}
}

func (e *testEnv) ensureStream(t *testing.T, name, prefix string, retention streams.Retention, maxMsgs int64) {
	t.Helper()
	_, err := e.streams.EnsureStream(context.Background(), streams.Spec{
		Name:        name,
		Subjects:    []string{prefix + ".>"},
		Retention:   retention,
		MaxMessages: maxMsgs,
	})
	require.NoError(t, err)
}

func (e *testEnv) ensureConsumer(t *testing.T, stream, name string, ackWait time.Duration) *consumers.Consumer {
	t.Helper()
	c, err := e.consumers.EnsureConsumer(context.Background(), consumers.Spec{Stream: stream, Name: name, AckWait: ackWait})
	require.NoError(t, err)
	return c
}

func (e *testEnv) publish(t *testing.T, prefix string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := e.publisher.Publish(context.Background(), prefix, envelope.New(id, "task"))
		require.NoError(t, err)
	}
}

// startLoop runs loop in the background; the returned func cancels it and
// returns the error Run exited with.
func startLoop(t *testing.T, loop *Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(waitFor):
				t.Errorf("loop %s did not stop", loop.Name())
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// taskRecorder collects the task ids a handler saw.
type taskRecorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *taskRecorder) handle(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *taskRecorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.Task.TaskID)
	}
	return out
}

func (r *taskRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

// recordingLogger captures log calls for assertions.
type recordingLogger struct {
	mu     *sync.Mutex
	logs   *[]loggedEntry
	fields loggingpkg.LogFields
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, logs: &[]loggedEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{mu: l.mu, logs: l.logs, fields: mergeFields(l.fields, fields)}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.append("debug", msg, fields, nil)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.append("info", msg, fields, nil)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.append("error", msg, fields, err)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.append("trace", msg, fields, nil)
}

func (l *recordingLogger) append(level, msg string, fields loggingpkg.LogFields, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.logs = append(*l.logs, loggedEntry{level: level, msg: msg, fields: mergeFields(l.fields, fields), err: err})
}

func (l *recordingLogger) entries() []loggedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loggedEntry(nil), *l.logs...)
}

func mergeFields(base, extra loggingpkg.LogFields) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
