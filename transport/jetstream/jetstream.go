// Package jetstream exposes jobflow task dispatch through Watermill's
// message.Publisher and message.Subscriber interfaces.
//
// Topics are subject prefixes. A message published to topic "tasks.limits"
// must carry a task envelope as its payload and lands on
// "tasks.limits.<task_id>". Subscribing to a topic reads it through the
// durable consumer bound to that prefix: acking the Watermill message acks
// the task, nacking it leaves the task for redelivery.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SoundOrion/JobFlow2/internal/runtime"
	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
)

// TransportName identifies this transport in logs and metrics.
const TransportName = "jobflow-jetstream"

// Metadata keys set on every consumed message.
const (
	MetadataStream       = "jobflow_stream"
	MetadataStreamSeq    = "jobflow_stream_seq"
	MetadataNumDelivered = "jobflow_num_delivered"
	MetadataTaskID       = "jobflow_task_id"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jobflow-jetstream: transport is closed")

// Config holds the bindings the transport routes by and its optional
// observability hooks.
type Config struct {
	// Bindings map topics (subject prefixes) to streams and consumers.
	Bindings []runtime.Binding
	// Logger receives Watermill-side logs. When nil it is derived from
	// ServiceLogger, or discards everything if both are nil.
	Logger watermill.LoggerAdapter
	// ServiceLogger receives the logs of the loops and the publisher behind
	// the transport. When nil it is derived from Logger.
	ServiceLogger loggingpkg.ServiceLogger
	// Metrics may be nil.
	Metrics *runtime.TaskMetrics
	Hooks   runtime.TaskHooks
}

// Transport implements message.Publisher and message.Subscriber over an
// existing broker connection. It never closes the connection.
type Transport struct {
	conn      *broker.Conn
	publisher *runtime.Publisher
	consumers *consumers.Registry
	bindings  []runtime.Binding
	marshaler *wmnats.NATSMarshaler
	logger    watermill.LoggerAdapter
	svcLogger loggingpkg.ServiceLogger
	metrics   *runtime.TaskMetrics
	hooks     runtime.TaskHooks

	closing  chan struct{}
	closed   bool
	closedMu sync.RWMutex
	subsWg   sync.WaitGroup
}

var (
	_ message.Publisher  = (*Transport)(nil)
	_ message.Subscriber = (*Transport)(nil)
)

// New builds a transport over conn.
func New(conn *broker.Conn, cfg Config) (*Transport, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	logger, svcLogger := cfg.Logger, cfg.ServiceLogger
	switch {
	case logger == nil && svcLogger != nil:
		logger = loggingpkg.NewWatermillAdapter(svcLogger)
	case logger == nil:
		logger = watermill.NopLogger{}
	}
	if svcLogger == nil {
		svcLogger = loggingpkg.NewWatermillServiceLogger(logger)
	}

	publisher, err := runtime.NewPublisher(conn, svcLogger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Transport{
		conn:      conn,
		publisher: publisher,
		consumers: consumers.NewRegistry(conn.JetStream(), svcLogger),
		bindings:  cfg.Bindings,
		marshaler: &wmnats.NATSMarshaler{},
		logger:    logger,
		svcLogger: svcLogger,
		metrics:   cfg.Metrics,
		hooks:     cfg.Hooks,
		closing:   make(chan struct{}),
	}, nil
}

// Publish stores every message on "<topic>.<task_id>". The Watermill UUID is
// the broker deduplication id, so republishing a message is harmless.
// Publishing stops at the first failure.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	for _, msg := range messages {
		task, err := envelope.Decode(msg.Payload)
		if err != nil {
			return fmt.Errorf("message %s: %w", msg.UUID, err)
		}
		natsMsg, err := t.marshaler.Marshal(topic, msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}

		opts := []runtime.PublishOption{runtime.WithMsgID(msg.UUID)}
		for k := range natsMsg.Header {
			opts = append(opts, runtime.WithHeader(k, natsMsg.Header.Get(k)))
		}
		if _, err := t.publisher.Publish(msg.Context(), topic, task, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe reads topic through its durable consumer. Each call starts a
// loop on the same consumer, so subscribers compete for tasks on a
// workqueue stream. The channel is closed when ctx is cancelled, the
// transport is closed or the connection is lost.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	binding, ok := t.bindingFor(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrNoStreamForSubject, topic)
	}
	cons, err := t.consumers.EnsureConsumer(ctx, binding.Consumer)
	if err != nil {
		return nil, err
	}

	output := make(chan *message.Message)
	loop, err := runtime.NewLoop(cons, t.forward(output), runtime.LoopOptions{
		Name:    TransportName + "/" + topic,
		Logger:  t.svcLogger,
		Hooks:   t.hooks,
		Metrics: t.metrics,
		Conn:    t.conn,
	})
	if err != nil {
		return nil, err
	}

	// Close waits on subsWg once closed is set, so registering must happen
	// under the same lock as the check.
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, ErrClosed
	}
	t.subsWg.Add(2)
	t.closedMu.RUnlock()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer t.subsWg.Done()
		select {
		case <-t.closing:
			cancel()
		case <-runCtx.Done():
		}
	}()
	go func() {
		defer t.subsWg.Done()
		defer close(output)
		defer cancel()
		if err := loop.Run(runCtx); err != nil && !errors.Is(err, errspkg.ErrLoopStopped) {
			t.logger.Error("Subscription stopped", err, watermill.LogFields{"topic": topic})
		}
	}()
	return output, nil
}

// forward hands each delivery to the subscriber channel and waits for the
// consumer to ack or nack it.
func (t *Transport) forward(output chan<- *message.Message) runtime.Handler {
	return func(ctx context.Context, d runtime.Delivery) error {
		msg, err := t.toMessage(d)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)

		select {
		case output <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closing:
			return ErrClosed
		}

		select {
		case <-msg.Acked():
			return nil
		case <-msg.Nacked():
			return fmt.Errorf("message %s nacked", msg.UUID)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closing:
			return ErrClosed
		}
	}
}

func (t *Transport) toMessage(d runtime.Delivery) (*message.Message, error) {
	payload, err := envelope.Encode(d.Task)
	if err != nil {
		return nil, err
	}
	natsMsg := nats.NewMsg(d.Subject)
	natsMsg.Data = payload
	// Watermill metadata is single valued; the dedupe id is not metadata.
	for k := range d.Headers {
		if k == nats.MsgIdHdr {
			continue
		}
		natsMsg.Header.Set(k, d.Headers.Get(k))
	}
	msg, err := t.marshaler.Unmarshal(natsMsg)
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", d.Subject, err)
	}
	msg.Metadata.Set(MetadataStream, d.Stream)
	msg.Metadata.Set(MetadataStreamSeq, strconv.FormatUint(d.StreamSeq, 10))
	msg.Metadata.Set(MetadataNumDelivered, strconv.FormatUint(d.NumDelivered, 10))
	msg.Metadata.Set(MetadataTaskID, strconv.FormatInt(d.Task.TaskID, 10))
	return msg, nil
}

func (t *Transport) bindingFor(topic string) (runtime.Binding, bool) {
	for _, b := range t.bindings {
		if b.Prefix == topic {
			return b, true
		}
	}
	return runtime.Binding{}, false
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Close stops every subscription and waits for their loops to exit.
// Unacknowledged tasks stay with the broker.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.closedMu.Unlock()

	t.subsWg.Wait()
	return nil
}

// Decorate wraps the transport with Watermill's Prometheus publish and
// subscribe metrics, registered under namespace "jobflow".
func Decorate(t *Transport, registerer prometheus.Registerer, subsystem string) (message.Publisher, message.Subscriber, error) {
	builder := metrics.NewPrometheusMetricsBuilder(registerer, "jobflow", subsystem)
	pub, err := builder.DecoratePublisher(t)
	if err != nil {
		return nil, nil, fmt.Errorf("decorate publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(t)
	if err != nil {
		return nil, nil, fmt.Errorf("decorate subscriber: %w", err)
	}
	return pub, sub, nil
}
