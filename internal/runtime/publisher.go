package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	idspkg "github.com/SoundOrion/JobFlow2/internal/runtime/ids"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/naming"
)

const tracerName = "github.com/SoundOrion/JobFlow2"

// PublishAck is the broker's confirmation that a task was stored.
type PublishAck struct {
	Subject   string
	MsgID     string
	Stream    string
	Sequence  uint64
	Duplicate bool
}

type publishOptions struct {
	msgID   string
	headers nats.Header
}

// PublishOption customises a single publish.
type PublishOption func(*publishOptions)

// WithMsgID sets the broker deduplication id. Publishing the same id twice
// within the stream's duplicate window stores the task once.
func WithMsgID(id string) PublishOption {
	return func(o *publishOptions) { o.msgID = id }
}

// WithHeader attaches an extra header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = nats.Header{}
		}
		o.headers.Set(key, value)
	}
}

// Publisher writes task envelopes onto "<prefix>.<taskID>" subjects. It is
// safe for concurrent use.
type Publisher struct {
	conn       *broker.Conn
	js         jetstream.JetStream
	logger     loggingpkg.ServiceLogger
	metrics    *TaskMetrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewPublisher builds a publisher over an established connection. metrics may be nil.
func NewPublisher(conn *broker.Conn, logger loggingpkg.ServiceLogger, metrics *TaskMetrics) (*Publisher, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Publisher{
		conn:       conn,
		js:         conn.JetStream(),
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}, nil
}

// Publish sends task to "<prefix>.<taskID>" and waits for the broker to
// store it. A task is never dropped silently: it is either acknowledged or
// an error is returned.
func (p *Publisher) Publish(ctx context.Context, prefix string, task envelope.Task, opts ...PublishOption) (PublishAck, error) {
	if prefix == "" {
		return PublishAck{}, errspkg.ErrSubjectPrefixRequired
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.msgID == "" {
		o.msgID = idspkg.NewMessageID()
	}
	subject := naming.Subject(prefix, task.TaskID)

	ctx, span := p.tracer.Start(ctx, "jobflow.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("messaging.message.id", o.msgID),
			attribute.Int64("jobflow.task_id", task.TaskID),
		),
	)
	defer span.End()

	ack, err := p.publish(ctx, subject, task, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordPublishError(prefix)
		p.logger.Error("Failed to publish task", err, loggingpkg.LogFields{"subject": subject, "task_id": task.TaskID})
		return PublishAck{}, err
	}

	span.SetAttributes(attribute.String("messaging.nats.stream", ack.Stream), attribute.Int64("messaging.nats.sequence", int64(ack.Sequence)))
	p.metrics.RecordPublished(ack.Stream)
	p.logger.Debug("Task published", loggingpkg.LogFields{
		"subject":   subject,
		"task_id":   task.TaskID,
		"stream":    ack.Stream,
		"sequence":  ack.Sequence,
		"duplicate": ack.Duplicate,
	})
	return ack, nil
}

func (p *Publisher) publish(ctx context.Context, subject string, task envelope.Task, o publishOptions) (PublishAck, error) {
	if err := p.conn.CheckConnected(); err != nil {
		return PublishAck{}, err
	}

	payload, err := envelope.Encode(task)
	if err != nil {
		return PublishAck{}, err
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, vals := range o.headers {
		for _, v := range vals {
			msg.Header.Add(k, v)
		}
	}
	p.propagator.Inject(ctx, propagation.HeaderCarrier(msg.Header))

	pa, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(o.msgID))
	if err != nil {
		return PublishAck{}, classifyPublishError(subject, err)
	}
	return PublishAck{
		Subject:   subject,
		MsgID:     o.msgID,
		Stream:    pa.Stream,
		Sequence:  pa.Sequence,
		Duplicate: pa.Duplicate,
	}, nil
}

func classifyPublishError(subject string, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrNoStreamResponse), errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %s", errspkg.ErrNoStreamForSubject, subject)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: publish %s: %v", errspkg.ErrConnectionLost, subject, err)
	default:
		return fmt.Errorf("publish %s: %w", subject, err)
	}
}
