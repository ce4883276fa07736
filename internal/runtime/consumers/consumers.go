// Package consumers provisions durable, explicitly acknowledged JetStream
// consumers. The broker owns each consumer's cursor; a process that ensures
// an existing consumer resumes from wherever the broker left it.
package consumers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/naming"
)

// DefaultAckWait is how long the broker waits for an ack before redelivering.
const DefaultAckWait = 30 * time.Second

// Broker error codes raised when a workqueue stream already has a consumer
// covering the requested subjects.
const (
	codeWQMultipleUnfiltered = 10099
	codeWQNotUnique          = 10100
)

// Spec declares a durable consumer on a stream.
type Spec struct {
	Stream        string
	Name          string
	Durable       string
	Description   string
	FilterSubject string
	AckWait       time.Duration
	// MaxDeliver bounds deliveries per message. Zero means unlimited.
	MaxDeliver int
}

func (s Spec) normalize() (Spec, error) {
	if s.Stream == "" {
		return s, errspkg.ErrStreamNameRequired
	}
	if s.Name == "" {
		if s.Durable == "" {
			return s, errspkg.ErrConsumerNameRequired
		}
		s.Name = s.Durable
	}
	if s.Durable == "" {
		s.Durable = s.Name
	}
	if s.Durable != s.Name {
		return s, fmt.Errorf("%w: %q != %q", errspkg.ErrConsumerNameMismatch, s.Name, s.Durable)
	}
	if !naming.ValidName(s.Name) {
		return s, fmt.Errorf("invalid consumer name %q", s.Name)
	}
	if s.AckWait <= 0 {
		s.AckWait = DefaultAckWait
	}
	if s.MaxDeliver <= 0 {
		s.MaxDeliver = -1
	}
	return s, nil
}

// Config renders the broker configuration for the declaration.
func (s Spec) Config() (jetstream.ConsumerConfig, error) {
	s, err := s.normalize()
	if err != nil {
		return jetstream.ConsumerConfig{}, err
	}
	return jetstream.ConsumerConfig{
		Name:          s.Name,
		Durable:       s.Durable,
		Description:   s.Description,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.AckWait,
		MaxDeliver:    s.MaxDeliver,
		FilterSubject: s.FilterSubject,
	}, nil
}

// Consumer is a handle on a provisioned durable consumer.
type Consumer struct {
	Stream string
	Name   string
	Config jetstream.ConsumerConfig

	consumer jetstream.Consumer
}

// Handle exposes the underlying broker consumer.
func (c *Consumer) Handle() jetstream.Consumer { return c.consumer }

// Registry provisions consumers through a JetStream context.
type Registry struct {
	js     jetstream.JetStream
	logger loggingpkg.ServiceLogger
}

// NewRegistry returns a registry bound to the given JetStream context.
func NewRegistry(js jetstream.JetStream, logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Registry{js: js, logger: logger}
}

// EnsureConsumer creates the durable consumer or returns the existing one.
// Ensuring with identical parameters has no side effects.
func (r *Registry) EnsureConsumer(ctx context.Context, spec Spec) (*Consumer, error) {
	cfg, err := spec.Config()
	if err != nil {
		return nil, err
	}
	fields := loggingpkg.LogFields{"stream": spec.Stream, "consumer": cfg.Durable, "filter_subject": cfg.FilterSubject}

	if _, err := r.js.Stream(ctx, spec.Stream); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrStreamNotFound, spec.Stream)
		}
		return nil, fmt.Errorf("consumer %s: stream lookup: %w", cfg.Durable, err)
	}

	cons, err := r.js.CreateOrUpdateConsumer(ctx, spec.Stream, cfg)
	if err != nil {
		if isFilterOverlap(err) {
			r.logger.Error("Consumer overlaps an existing workqueue consumer", err, fields)
			return nil, fmt.Errorf("%w: %s on %s: %v", errspkg.ErrConsumerFilterOverlap, cfg.Durable, spec.Stream, err)
		}
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrStreamNotFound, spec.Stream)
		}
		return nil, fmt.Errorf("consumer %s: create: %w", cfg.Durable, err)
	}
	r.logger.Debug("Consumer ensured", fields)

	got := cfg
	if info := cons.CachedInfo(); info != nil {
		got = info.Config
	}
	return &Consumer{Stream: spec.Stream, Name: cfg.Durable, Config: got, consumer: cons}, nil
}

func isFilterOverlap(err error) bool {
	var apiErr *jetstream.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode == codeWQMultipleUnfiltered || apiErr.ErrorCode == codeWQNotUnique
}

// Info is a point-in-time view of a consumer's broker-side cursor.
type Info struct {
	Stream         string    `json:"stream"`
	Name           string    `json:"name"`
	FilterSubject  string    `json:"filter_subject,omitempty"`
	DeliveredSeq   uint64    `json:"delivered_stream_seq"`
	AckFloorSeq    uint64    `json:"ack_floor_stream_seq"`
	NumPending     uint64    `json:"num_pending"`
	NumAckPending  int       `json:"num_ack_pending"`
	NumRedelivered int       `json:"num_redelivered"`
	Created        time.Time `json:"created"`
}

// Info returns the broker view of a consumer.
func (r *Registry) Info(ctx context.Context, stream, name string) (Info, error) {
	cons, err := r.js.Consumer(ctx, stream, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return Info{}, fmt.Errorf("%w: %s", errspkg.ErrStreamNotFound, stream)
		}
		return Info{}, fmt.Errorf("consumer %s: lookup: %w", name, err)
	}
	ci, err := cons.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("consumer %s: read info: %w", name, err)
	}
	return Info{
		Stream:         ci.Stream,
		Name:           ci.Name,
		FilterSubject:  ci.Config.FilterSubject,
		DeliveredSeq:   ci.Delivered.Stream,
		AckFloorSeq:    ci.AckFloor.Stream,
		NumPending:     ci.NumPending,
		NumAckPending:  ci.NumAckPending,
		NumRedelivered: ci.NumRedelivered,
		Created:        ci.Created,
	}, nil
}
