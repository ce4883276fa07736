package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/SoundOrion/JobFlow2/internal/runtime/config"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
	"github.com/SoundOrion/JobFlow2/internal/testutil/natstest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	srv := natstest.RunJetStream(t)

	conf := configpkg.Default()
	conf.NATSURL = srv.ClientURL()
	conf.Identity = "host-a"

	svc, err := NewService(context.Background(), &conf, loggingpkg.NewNopServiceLogger(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNewServiceRejectsBadInput(t *testing.T) {
	log := loggingpkg.NewNopServiceLogger()

	_, err := NewService(context.Background(), nil, log, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	conf := configpkg.Default()
	_, err = NewService(context.Background(), &conf, nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	conf.LimitsStream.Name = ""
	_, err = NewService(context.Background(), &conf, log, ServiceDependencies{})
	var validation errspkg.ConfigValidationError
	require.True(t, errors.As(err, &validation))
	assert.Contains(t, err.Error(), "limits stream: name is required")
}

func TestDefaultBindings(t *testing.T) {
	conf := configpkg.Default()
	conf.Identity = "build:01"

	bindings, err := DefaultBindings(&conf)
	require.NoError(t, err)
	require.Len(t, bindings, 2)

	limits, ok := BindingFor(bindings, ClassLimits)
	require.True(t, ok)
	assert.Equal(t, "limits", limits.Prefix)
	assert.Equal(t, []string{"limits.>"}, limits.Stream.Subjects)
	assert.Equal(t, streams.Limits, limits.Stream.Retention)
	assert.Equal(t, int64(1000), limits.Stream.MaxMessages)
	assert.Equal(t, "limits_consumer-build_01", limits.Consumer.Name)
	assert.Equal(t, "limits.>", limits.Consumer.FilterSubject)

	workqueue, ok := BindingFor(bindings, ClassWorkqueue)
	require.True(t, ok)
	assert.Equal(t, streams.Workqueue, workqueue.Stream.Retention)
	assert.Equal(t, int64(500), workqueue.Stream.MaxMessages)
	assert.Equal(t, 12*time.Hour, workqueue.Stream.MaxAge)
	assert.Equal(t, "workqueue_consumer", workqueue.Consumer.Name)

	_, ok = BindingFor(bindings, Class("other"))
	assert.False(t, ok)

	_, err = DefaultBindings(nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestServiceProvisionIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ProvisionStreams(ctx))
	require.NoError(t, svc.ProvisionStreams(ctx))

	cons, err := svc.ProvisionConsumers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "limits_consumer-host-a", cons[ClassLimits].Name)
	assert.Equal(t, "workqueue_consumer", cons[ClassWorkqueue].Name)

	info, err := svc.Streams().Info(ctx, "LIMITS_STREAM")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.MaxMessages)
	assert.Equal(t, 1, info.Consumers)
}

func TestServiceProvisionReportsConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	limits, _ := BindingFor(svc.Bindings(), ClassLimits)
	existing := limits.Stream
	existing.MaxMessages = 2000
	_, err := svc.Streams().EnsureStream(ctx, existing)
	require.NoError(t, err)

	err = svc.ProvisionStreams(ctx)
	assert.ErrorIs(t, err, errspkg.ErrStreamConfigConflict)

	info, err := svc.Streams().Info(ctx, "LIMITS_STREAM")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.MaxMessages)
}

func TestServiceConsumersRequireStreams(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddLoop(context.Background(), ClassWorkqueue, func(context.Context, Delivery) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrStreamNotFound)
}

func TestServicePublishUnknownClass(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Publish(context.Background(), Class("audit"), envelope.New(1, "x"))
	assert.Error(t, err)
}

func TestServiceDispatchesBothClasses(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ProvisionStreams(ctx))

	limits, workqueue := &taskRecorder{}, &taskRecorder{}
	_, err := svc.AddLoop(ctx, ClassLimits, limits.handle)
	require.NoError(t, err)
	_, err = svc.AddLoop(ctx, ClassWorkqueue, workqueue.handle)
	require.NoError(t, err)
	assert.Len(t, svc.Loops(), 2)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	for id := int64(1); id <= 3; id++ {
		ack, err := svc.PublishLimits(ctx, envelope.New(id, "Task for Limits"))
		require.NoError(t, err)
		assert.Equal(t, "LIMITS_STREAM", ack.Stream)

		ack, err = svc.PublishWorkqueue(ctx, envelope.New(id, "Task for Workqueue"))
		require.NoError(t, err)
		assert.Equal(t, "WORKQUEUE_STREAM", ack.Stream)
	}

	require.Eventually(t, func() bool { return limits.count() == 3 && workqueue.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, limits.ids())
	assert.Equal(t, []int64{1, 2, 3}, workqueue.ids())

	counts := svc.Metrics().Snapshot().Consumers
	assert.Equal(t, uint64(3), counts["WORKQUEUE_STREAM/workqueue_consumer"].Acked)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrLoopStopped)
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
	}
}

func TestServiceCloseReleasesOwnedConnection(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Close())
	assert.True(t, svc.Conn().IsClosed())
}
