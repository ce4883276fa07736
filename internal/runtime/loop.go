package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	idspkg "github.com/SoundOrion/JobFlow2/internal/runtime/ids"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
)

// Handler processes one task. Returning nil acknowledges the task; any error
// leaves it unacknowledged so the broker redelivers it after the ack wait.
type Handler func(ctx context.Context, d Delivery) error

// Delivery is a decoded task together with its broker bookkeeping.
type Delivery struct {
	Task         envelope.Task
	Subject      string
	Stream       string
	Consumer     string
	StreamSeq    uint64
	ConsumerSeq  uint64
	NumDelivered uint64
	NumPending   uint64
	// Timestamp is when the broker stored the task.
	Timestamp time.Time
	// PublishedAt is the creation time carried by a generated message id.
	// It is zero when the publisher chose its own id.
	PublishedAt time.Time
	Headers     nats.Header
}

const (
	defaultAckTimeout        = 5 * time.Second
	defaultReopenInitial     = 100 * time.Millisecond
	defaultReopenMax         = 5 * time.Second
	defaultPullMaxMessages   = 1
	defaultPullExpiry        = 30 * time.Second
	defaultPullIdleHeartbeat = 5 * time.Second
)

// LoopOptions tunes a consumption loop. The zero value is usable.
type LoopOptions struct {
	// Name identifies the loop in logs, stats and hooks. Defaults to the consumer name.
	Name   string
	Logger loggingpkg.ServiceLogger
	Hooks  TaskHooks
	// Metrics may be nil.
	Metrics *TaskMetrics
	// Conn, when set, lets the loop tell a closed connection from a
	// transient iterator failure.
	Conn *broker.Conn
	// AckTimeout bounds the wait for the broker to confirm an ack.
	AckTimeout time.Duration
	// PullMaxMessages is the number of tasks buffered client side. Defaults to 1
	// so that competing workers share a queue evenly.
	PullMaxMessages int
	// ReopenInitialInterval and ReopenMaxInterval bound the backoff between
	// attempts to re-open a failed iterator.
	ReopenInitialInterval time.Duration
	ReopenMaxInterval     time.Duration
}

func (o LoopOptions) withDefaults(consumerName string) LoopOptions {
	if o.Name == "" {
		o.Name = consumerName
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.NewNopServiceLogger()
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.PullMaxMessages <= 0 {
		o.PullMaxMessages = defaultPullMaxMessages
	}
	if o.ReopenInitialInterval <= 0 {
		o.ReopenInitialInterval = defaultReopenInitial
	}
	if o.ReopenMaxInterval <= 0 {
		o.ReopenMaxInterval = defaultReopenMax
	}
	return o
}

// Loop pulls tasks from one durable consumer and feeds them to a handler,
// one at a time.
type Loop struct {
	consumer *consumers.Consumer
	handler  Handler
	opts     LoopOptions
	logger   loggingpkg.ServiceLogger
	stats    *LoopStats

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewLoop binds handler to consumer.
func NewLoop(consumer *consumers.Consumer, handler Handler, opts LoopOptions) (*Loop, error) {
	if consumer == nil || consumer.Handle() == nil {
		return nil, errspkg.ErrConsumerNameRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	opts = opts.withDefaults(consumer.Name)
	return &Loop{
		consumer: consumer,
		handler:  handler,
		opts:     opts,
		logger: opts.Logger.With(loggingpkg.LogFields{
			"loop":     opts.Name,
			"stream":   consumer.Stream,
			"consumer": consumer.Name,
		}),
		stats:      newLoopStats(opts.Name, consumer.Stream, consumer.Name),
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}, nil
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.opts.Name }

// Stats returns the live statistics of the loop.
func (l *Loop) Stats() *LoopStats { return l.stats }

// Run consumes until ctx is cancelled or the connection is closed for good.
// Handler failures never end the loop. The returned error wraps
// ErrLoopStopped on cancellation and ErrConnectionLost when the broker
// connection is gone; it is never nil.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Consumption loop started", nil)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.ReopenInitialInterval
	bo.MaxInterval = l.opts.ReopenMaxInterval

	for {
		err := l.consume(ctx, bo)
		if stop := l.exitReason(ctx, err); stop != nil {
			l.logger.Info("Consumption loop stopped", loggingpkg.LogFields{"reason": stop.Error()})
			return stop
		}

		wait := bo.NextBackOff()
		l.logger.Error("Message iterator failed, re-opening", err, loggingpkg.LogFields{"retry_in": wait.String()})
		if stop := l.sleep(ctx, wait); stop != nil {
			l.logger.Info("Consumption loop stopped", loggingpkg.LogFields{"reason": stop.Error()})
			return stop
		}
		l.stats.onReopen()
	}
}

// consume drives one iterator until it fails. It only returns on error.
func (l *Loop) consume(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	iter, err := l.consumer.Handle().Messages(
		jetstream.PullMaxMessages(l.opts.PullMaxMessages),
		jetstream.PullExpiry(defaultPullExpiry),
		jetstream.PullHeartbeat(defaultPullIdleHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}
	defer iter.Stop()
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	if l.opts.Conn != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-l.opts.Conn.Closed():
				iter.Stop()
			case <-done:
			}
		}()
	}

	for {
		msg, err := iter.Next()
		if err != nil {
			return err
		}
		bo.Reset()
		l.process(ctx, msg)
	}
}

func (l *Loop) exitReason(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", errspkg.ErrLoopStopped, l.opts.Name, ctxErr)
	}
	if l.connClosed() || errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%w: %s: %w", errspkg.ErrConnectionLost, l.opts.Name, err)
	}
	return nil
}

func (l *Loop) sleep(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var closed <-chan struct{}
	if l.opts.Conn != nil {
		closed = l.opts.Conn.Closed()
	}
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", errspkg.ErrLoopStopped, l.opts.Name, ctx.Err())
	case <-closed:
		return fmt.Errorf("%w: %s", errspkg.ErrConnectionLost, l.opts.Name)
	}
}

func (l *Loop) connClosed() bool {
	return l.opts.Conn != nil && l.opts.Conn.IsClosed()
}

func (l *Loop) process(ctx context.Context, msg jetstream.Msg) {
	d := Delivery{
		Subject:  msg.Subject(),
		Stream:   l.consumer.Stream,
		Consumer: l.consumer.Name,
		Headers:  msg.Headers(),
	}
	if at, ok := idspkg.MessageTime(d.Headers.Get(nats.MsgIdHdr)); ok {
		d.PublishedAt = at
	}
	if meta, err := msg.Metadata(); err == nil {
		d.Stream = meta.Stream
		d.Consumer = meta.Consumer
		d.StreamSeq = meta.Sequence.Stream
		d.ConsumerSeq = meta.Sequence.Consumer
		d.NumDelivered = meta.NumDelivered
		d.NumPending = meta.NumPending
		d.Timestamp = meta.Timestamp
	}
	l.opts.Metrics.RecordDelivered(d.Stream, d.Consumer, d.NumDelivered, d.NumPending)

	task, err := envelope.Decode(msg.Data())
	if err != nil {
		l.dropMalformed(msg, d, err)
		return
	}
	d.Task = task

	parent := l.propagator.Extract(ctx, propagation.HeaderCarrier(d.Headers))
	spanCtx, span := l.tracer.Start(parent, "jobflow.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", d.Subject),
			attribute.String("messaging.nats.stream", d.Stream),
			attribute.String("messaging.nats.consumer", d.Consumer),
			attribute.Int64("messaging.nats.sequence", int64(d.StreamSeq)),
			attribute.Int64("messaging.nats.num_delivered", int64(d.NumDelivered)),
			attribute.Int64("jobflow.task_id", task.TaskID),
		),
	)
	defer span.End()

	tc := l.taskContext(spanCtx, d)
	l.stats.onDelivered(d)
	l.opts.Hooks.start(tc)

	err = l.invoke(spanCtx, d)
	if err == nil {
		err = l.ack(ctx, msg)
	}
	tc.Duration = time.Since(tc.StartedAt)
	l.stats.onFinished(tc.Duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.opts.Metrics.RecordFailed(d.Stream, d.Consumer, tc.Duration)
		l.opts.Hooks.failed(tc, err)
		l.logger.Debug("Task left for redelivery", loggingpkg.LogFields{"task_id": task.TaskID, "stream_seq": d.StreamSeq, "error": err.Error()})
		return
	}
	l.opts.Metrics.RecordAcked(d.Stream, d.Consumer, tc.Duration)
	l.opts.Hooks.done(tc)
}

// invoke runs the handler, turning failures and panics into a *ProcessingError.
func (l *Loop) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Handler panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"task_id": d.Task.TaskID, "stack": string(debug.Stack())})
			err = &errspkg.ProcessingError{TaskID: d.Task.TaskID, Subject: d.Subject, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := l.handler(ctx, d); herr != nil {
		return &errspkg.ProcessingError{TaskID: d.Task.TaskID, Subject: d.Subject, Err: herr}
	}
	return nil
}

// ack waits for the broker to confirm, so a returned nil means the task will
// not be redelivered. It is not bound to ctx: finished work is acknowledged
// even while shutting down.
func (l *Loop) ack(ctx context.Context, msg jetstream.Msg) error {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.AckTimeout)
	defer cancel()
	if err := msg.DoubleAck(ackCtx); err != nil {
		return fmt.Errorf("%w: %w", errAck, err)
	}
	return nil
}

func (l *Loop) dropMalformed(msg jetstream.Msg, d Delivery, err error) {
	l.stats.onMalformed(err)
	l.opts.Metrics.RecordMalformed(d.Stream, d.Consumer)
	l.opts.Hooks.malformed(l.taskContext(context.Background(), d), err)
	l.logger.Error("Malformed task envelope, terminating delivery", err, loggingpkg.LogFields{
		"subject":    d.Subject,
		"stream_seq": d.StreamSeq,
	})
	if termErr := msg.Term(); termErr != nil {
		l.logger.Error("Failed to terminate malformed delivery", termErr, loggingpkg.LogFields{"stream_seq": d.StreamSeq})
	}
}

func (l *Loop) taskContext(ctx context.Context, d Delivery) TaskContext {
	return TaskContext{
		Loop:         l.opts.Name,
		Stream:       d.Stream,
		Consumer:     d.Consumer,
		Subject:      d.Subject,
		TaskID:       d.Task.TaskID,
		StreamSeq:    d.StreamSeq,
		NumDelivered: d.NumDelivered,
		Context:      ctx,
		StartedAt:    time.Now(),
	}
}
