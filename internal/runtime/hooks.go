package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
)

// TaskContext describes one delivery to the hooks.
type TaskContext struct {
	// Loop is the name of the consumption loop that received the task.
	Loop string
	// Stream and Consumer identify the broker cursor.
	Stream   string
	Consumer string
	// Subject the task was published on.
	Subject string
	// TaskID is zero for deliveries whose envelope could not be decoded.
	TaskID int64
	// StreamSeq is the broker sequence of the delivery.
	StreamSeq uint64
	// NumDelivered counts attempts including this one.
	NumDelivered uint64
	// Context is the handler context.
	Context context.Context
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is only set in OnTaskDone and OnTaskError.
	Duration time.Duration
}

// TaskHooks defines callbacks for task lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type TaskHooks struct {
	// OnTaskStart is called before the handler runs.
	OnTaskStart func(ctx TaskContext)

	// OnTaskDone is called after the handler succeeded and the task was acknowledged.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called when the handler failed. The task stays
	// unacknowledged and will be redelivered.
	OnTaskError func(ctx TaskContext, err error)

	// OnTaskMalformed is called for deliveries that are not valid task
	// envelopes. These are terminated and never redelivered.
	OnTaskMalformed func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks, creating a new TaskHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart:     chainHooks(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:      chainHooks(h.OnTaskDone, other.OnTaskDone),
		OnTaskError:     chainErrorHooks(h.OnTaskError, other.OnTaskError),
		OnTaskMalformed: chainErrorHooks(h.OnTaskMalformed, other.OnTaskMalformed),
	}
}

func chainHooks(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h TaskHooks) start(ctx TaskContext) {
	if h.OnTaskStart != nil {
		h.OnTaskStart(ctx)
	}
}

func (h TaskHooks) done(ctx TaskContext) {
	if h.OnTaskDone != nil {
		h.OnTaskDone(ctx)
	}
}

func (h TaskHooks) failed(ctx TaskContext, err error) {
	if h.OnTaskError != nil {
		h.OnTaskError(ctx, err)
	}
}

func (h TaskHooks) malformed(ctx TaskContext, err error) {
	if h.OnTaskMalformed != nil {
		h.OnTaskMalformed(ctx, err)
	}
}

func hookFields(ctx TaskContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"loop":          ctx.Loop,
		"stream":        ctx.Stream,
		"consumer":      ctx.Consumer,
		"subject":       ctx.Subject,
		"task_id":       ctx.TaskID,
		"stream_seq":    ctx.StreamSeq,
		"num_delivered": ctx.NumDelivered,
	}
}

// LoggingHooks returns pre-built hooks that log task lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			logger.Debug("Task started", hookFields(ctx))
		},
		OnTaskDone: func(ctx TaskContext) {
			fields := hookFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Task completed", fields)
		},
		OnTaskError: func(ctx TaskContext, err error) {
			fields := hookFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Task failed, awaiting redelivery", err, fields)
		},
		OnTaskMalformed: func(ctx TaskContext, err error) {
			logger.Error("Dropped malformed task envelope", err, hookFields(ctx))
		},
	}
}

// MetricsHooks returns pre-built hooks that report outcomes to arbitrary
// counters, keyed by stream and consumer.
func MetricsHooks(onStart, onDone, onError func(stream, consumer string)) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			if onStart != nil {
				onStart(ctx.Stream, ctx.Consumer)
			}
		},
		OnTaskDone: func(ctx TaskContext) {
			if onDone != nil {
				onDone(ctx.Stream, ctx.Consumer)
			}
		},
		OnTaskError: func(ctx TaskContext, err error) {
			if onError != nil {
				onError(ctx.Stream, ctx.Consumer)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on task errors.
func AlertingHooks(alertFunc func(ctx TaskContext, err error)) TaskHooks {
	return TaskHooks{
		OnTaskError: alertFunc,
	}
}
