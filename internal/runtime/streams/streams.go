// Package streams declares JetStream streams and provisions them idempotently.
//
// EnsureStream never modifies a stream that already exists: a matching
// declaration is a no-op, a differing one is reported as a conflict for an
// operator to resolve.
package streams

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/naming"
)

// Retention selects how the broker discards messages.
type Retention string

const (
	// Limits keeps every message for every consumer until a bound is hit,
	// then evicts the oldest regardless of acknowledgements.
	Limits Retention = "limits"
	// Workqueue removes a message once any consumer acknowledges it.
	Workqueue Retention = "workqueue"
)

// ParseRetention accepts "limits" or "workqueue" in any case.
func ParseRetention(s string) (Retention, error) {
	switch Retention(strings.ToLower(s)) {
	case Limits:
		return Limits, nil
	case Workqueue:
		return Workqueue, nil
	}
	return "", fmt.Errorf("unknown retention policy %q", s)
}

func (r Retention) policy() (jetstream.RetentionPolicy, error) {
	switch r {
	case Limits, "":
		return jetstream.LimitsPolicy, nil
	case Workqueue:
		return jetstream.WorkQueuePolicy, nil
	}
	return 0, fmt.Errorf("unknown retention policy %q", string(r))
}

// Storage selects the broker storage backend.
type Storage string

const (
	FileStorage   Storage = "file"
	MemoryStorage Storage = "memory"
)

func (s Storage) storageType() (jetstream.StorageType, error) {
	switch Storage(strings.ToLower(string(s))) {
	case FileStorage, "":
		return jetstream.FileStorage, nil
	case MemoryStorage:
		return jetstream.MemoryStorage, nil
	}
	return 0, fmt.Errorf("unknown storage %q", string(s))
}

// Spec declares a stream. Non-positive MaxMessages and MaxBytes mean
// unlimited; zero MaxAge keeps messages forever.
type Spec struct {
	Name        string
	Description string
	Subjects    []string
	Retention   Retention
	MaxMessages int64
	MaxBytes    int64
	MaxAge      time.Duration
	Storage     Storage
	Replicas    int
}

// Validate checks the declaration before any broker call is made.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errspkg.ErrStreamNameRequired
	}
	if !naming.ValidName(s.Name) {
		return fmt.Errorf("invalid stream name %q", s.Name)
	}
	if len(s.Subjects) == 0 {
		return fmt.Errorf("%w: stream %s", errspkg.ErrSubjectRequired, s.Name)
	}
	for _, subj := range s.Subjects {
		if subj == "" || strings.ContainsAny(subj, " \t\r\n") {
			return fmt.Errorf("invalid subject %q for stream %s", subj, s.Name)
		}
	}
	if _, err := s.Retention.policy(); err != nil {
		return err
	}
	if _, err := s.Storage.storageType(); err != nil {
		return err
	}
	if s.MaxAge < 0 {
		return fmt.Errorf("stream %s: max age cannot be negative", s.Name)
	}
	return nil
}

// Config renders the broker configuration for the declaration.
func (s Spec) Config() (jetstream.StreamConfig, error) {
	if err := s.Validate(); err != nil {
		return jetstream.StreamConfig{}, err
	}
	retention, _ := s.Retention.policy()
	storage, _ := s.Storage.storageType()

	cfg := jetstream.StreamConfig{
		Name:        s.Name,
		Description: s.Description,
		Subjects:    slices.Clone(s.Subjects),
		Retention:   retention,
		MaxMsgs:     unlimited(s.MaxMessages),
		MaxBytes:    unlimited(s.MaxBytes),
		MaxAge:      s.MaxAge,
		Storage:     storage,
		Replicas:    max(s.Replicas, 1),
		Discard:     jetstream.DiscardOld,
	}
	return cfg, nil
}

func unlimited(v int64) int64 {
	if v <= 0 {
		return -1
	}
	return v
}

// Diff lists the settings in which existing differs from want. Only the
// settings a Spec controls are compared; broker-filled defaults are ignored.
func Diff(want, existing jetstream.StreamConfig) []string {
	var fields []string
	if !sameSubjects(want.Subjects, existing.Subjects) {
		fields = append(fields, "subjects")
	}
	if want.Retention != existing.Retention {
		fields = append(fields, "retention")
	}
	if unlimited(want.MaxMsgs) != unlimited(existing.MaxMsgs) {
		fields = append(fields, "max_msgs")
	}
	if unlimited(want.MaxBytes) != unlimited(existing.MaxBytes) {
		fields = append(fields, "max_bytes")
	}
	if want.MaxAge != existing.MaxAge {
		fields = append(fields, "max_age")
	}
	if want.Storage != existing.Storage {
		fields = append(fields, "storage")
	}
	if max(want.Replicas, 1) != max(existing.Replicas, 1) {
		fields = append(fields, "replicas")
	}
	if want.Discard != existing.Discard {
		fields = append(fields, "discard")
	}
	return fields
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// Registry provisions streams through a JetStream context.
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

// Stream is a handle on a provisioned stream.
type Stream struct {
	Name    string
	Config  jetstream.StreamConfig
	Created bool

	stream jetstream.Stream
}

// Handle exposes the underlying broker stream.
func (s *Stream) Handle() jetstream.Stream { return s.stream }

// EnsureStream creates the stream when absent. An existing stream with the
// same settings is returned untouched; one with different settings yields a
// *StreamConflictError matching ErrStreamConfigConflict.
func (r *Registry) EnsureStream(ctx context.Context, spec Spec) (*Stream, error) {
	want, err := spec.Config()
	if err != nil {
		return nil, err
	}
	fields := loggingpkg.LogFields{"stream": spec.Name, "subjects": want.Subjects, "retention": string(spec.Retention)}

	existing, err := r.js.Stream(ctx, spec.Name)
	switch {
	case err == nil:
		info, err := existing.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream %s: read info: %w", spec.Name, err)
		}
		if diff := Diff(want, info.Config); len(diff) > 0 {
			conflict := &errspkg.StreamConflictError{Stream: spec.Name, Fields: diff}
			r.logger.Error("Stream exists with different configuration", conflict, fields)
			return nil, conflict
		}
		r.logger.Debug("Stream already provisioned", fields)
		return &Stream{Name: spec.Name, Config: info.Config, stream: existing}, nil
	case errors.Is(err, jetstream.ErrStreamNotFound):
	default:
		return nil, fmt.Errorf("stream %s: lookup: %w", spec.Name, err)
	}

	created, err := r.js.CreateStream(ctx, want)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			// Another process created it with different settings between
			// lookup and create.
			conflict := &errspkg.StreamConflictError{Stream: spec.Name}
			r.logger.Error("Stream created concurrently with different configuration", conflict, fields)
			return nil, conflict
		}
		return nil, fmt.Errorf("stream %s: create: %w", spec.Name, err)
	}
	r.logger.Info("Stream created", fields)

	cfg := want
	if info := created.CachedInfo(); info != nil {
		cfg = info.Config
	}
	return &Stream{Name: spec.Name, Config: cfg, Created: true, stream: created}, nil
}

// Info is a point-in-time view of a stream.
type Info struct {
	Name        string        `json:"name"`
	Subjects    []string      `json:"subjects"`
	Retention   string        `json:"retention"`
	MaxMessages int64         `json:"max_msgs"`
	MaxBytes    int64         `json:"max_bytes"`
	MaxAge      time.Duration `json:"max_age_ns"`
	Messages    uint64        `json:"messages"`
	Bytes       uint64        `json:"bytes"`
	FirstSeq    uint64        `json:"first_seq"`
	LastSeq     uint64        `json:"last_seq"`
	Consumers   int           `json:"consumers"`
	Created     time.Time     `json:"created"`
}

// Info returns the current state of the named stream.
func (r *Registry) Info(ctx context.Context, name string) (Info, error) {
	stream, err := r.js.Stream(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return Info{}, fmt.Errorf("%w: %s", errspkg.ErrStreamNotFound, name)
		}
		return Info{}, fmt.Errorf("stream %s: lookup: %w", name, err)
	}
	si, err := stream.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("stream %s: read info: %w", name, err)
	}
	return Info{
		Name:        si.Config.Name,
		Subjects:    si.Config.Subjects,
		Retention:   retentionName(si.Config.Retention),
		MaxMessages: si.Config.MaxMsgs,
		MaxBytes:    si.Config.MaxBytes,
		MaxAge:      si.Config.MaxAge,
		Messages:    si.State.Msgs,
		Bytes:       si.State.Bytes,
		FirstSeq:    si.State.FirstSeq,
		LastSeq:     si.State.LastSeq,
		Consumers:   si.State.Consumers,
		Created:     si.Created,
	}, nil
}

func retentionName(p jetstream.RetentionPolicy) string {
	switch p {
	case jetstream.LimitsPolicy:
		return string(Limits)
	case jetstream.WorkQueuePolicy:
		return string(Workqueue)
	default:
		return p.String()
	}
}
