// Package jobflow dispatches small JSON tasks through NATS JetStream.
//
// A task is an envelope with a task_id and a description. Publishers route
// each task to "<prefix>.<task_id>", where the prefix names a delivery class
// and the stream bound to it. Workers read a class through a durable pull
// consumer and acknowledge a task only after its handler succeeds, so a task
// is never lost: a failed or interrupted task is redelivered once the
// consumer's ack wait elapses.
//
// # Delivery classes
//
// Two classes are configured by default:
//   - limits: a bounded log kept for every reader. Each worker host reads it
//     in full through its own durable consumer, and the oldest tasks are
//     evicted once the stream reaches its message, byte or age limit.
//   - workqueue: a competing-consumers queue. All workers share one durable
//     consumer, each task goes to exactly one of them and is removed once
//     acknowledged.
//
// # Provisioning
//
// Service.ProvisionStreams creates missing streams and leaves matching ones
// alone. A stream that already exists with different settings is never
// changed; ErrStreamConfigConflict is returned instead, carrying the names of
// the differing fields in a StreamConflictError.
//
// # Running workers
//
// Service.AddLoop binds a Handler to a class and Service.Run runs every loop
// until the context is cancelled or the broker connection is closed for good.
// TaskHooks observe each task for logging, metrics and alerting, and the
// optional status API reports streams, loops and process health.
//
// The transport/jetstream package exposes the same dispatch through Watermill's
// Publisher and Subscriber interfaces.
package jobflow
