/*
Package runtime provides the task dispatch infrastructure for jobflow.

# Architecture Overview

The runtime package dispatches small JSON task envelopes through NATS
JetStream. Tasks are published under a per-class subject prefix, stored in a
stream whose retention matches the class, and read back through durable pull
consumers. A task is acknowledged only after its handler succeeds; a failed
or interrupted task is redelivered once the consumer's ack wait elapses.

Two delivery classes are bound by default:
  - limits: a bounded log every worker host reads in full through its own
    durable consumer. The oldest tasks are evicted once the stream is full.
  - workqueue: a competing-consumers queue. Each task is handed to exactly
    one worker and removed from the stream once acknowledged.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - The broker connection and its lifecycle
  - Stream and consumer registries
  - The task publisher
  - Consumption loops and their supervisor
  - HTTP servers for metrics and the status API

## Bindings (classes.go)

Bindings derive the stream and consumer definitions of each class from the
configuration.

## Consumption (loop.go, supervisor.go)

A Loop pulls deliveries one at a time, decodes the envelope, runs the
handler and acknowledges on success. Malformed envelopes are terminated so
they are never redelivered. RunLoops runs several loops until the context is
cancelled or the connection is lost.

## Publishing (publisher.go)

Publisher encodes a task, routes it to "<prefix>.<task_id>" and returns the
stream sequence assigned by the broker.

## Stats & Monitoring (stats.go, metrics.go, hooks.go, resources.go)

  - Per-loop latency percentiles, throughput and error categories
  - Prometheus counters per stream and consumer
  - Lifecycle hooks for logging, metrics and alerting
  - Process resource sampling

## Status API (status.go)

HTTP endpoints reporting stream state, loop statistics and health.

# Sub-packages

  - broker/: Connection lifecycle
  - config/: Service configuration with validation
  - consumers/: Durable consumer registry
  - envelope/: Task envelope codec
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - naming/: Subject and durable name helpers
  - streams/: Stream registry and conflict detection

# Usage Example

	conf := config.Default()
	svc, err := runtime.NewService(ctx, &conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ProvisionStreams(ctx); err != nil {
		return err
	}
	if _, err := svc.AddLoop(ctx, runtime.ClassWorkqueue, handleTask); err != nil {
		return err
	}
	return svc.Run(ctx)
*/
package runtime
