package jobflow

import (
	runtimepkg "github.com/SoundOrion/JobFlow2/internal/runtime"
	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	configpkg "github.com/SoundOrion/JobFlow2/internal/runtime/config"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	idspkg "github.com/SoundOrion/JobFlow2/internal/runtime/ids"
	jsoncodec "github.com/SoundOrion/JobFlow2/internal/runtime/jsoncodec"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/naming"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
)

type (
	Config              = configpkg.Config
	StreamSettings      = configpkg.StreamSettings
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Task = envelope.Task

	Conn          = broker.Conn
	BrokerOptions = broker.Options

	Retention      = streams.Retention
	Storage        = streams.Storage
	StreamSpec     = streams.Spec
	Stream         = streams.Stream
	StreamInfo     = streams.Info
	StreamRegistry = streams.Registry

	ConsumerSpec     = consumers.Spec
	Consumer         = consumers.Consumer
	ConsumerInfo     = consumers.Info
	ConsumerRegistry = consumers.Registry

	Class   = runtimepkg.Class
	Binding = runtimepkg.Binding

	Publisher     = runtimepkg.Publisher
	PublishAck    = runtimepkg.PublishAck
	PublishOption = runtimepkg.PublishOption

	Loop        = runtimepkg.Loop
	LoopOptions = runtimepkg.LoopOptions
	Handler     = runtimepkg.Handler
	Delivery    = runtimepkg.Delivery

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Task lifecycle hooks
	TaskContext = runtimepkg.TaskContext
	TaskHooks   = runtimepkg.TaskHooks

	// Metrics and stats
	TaskMetrics         = runtimepkg.TaskMetrics
	TaskMetricsSnapshot = runtimepkg.TaskMetricsSnapshot
	ConsumerCounts      = runtimepkg.ConsumerCounts
	LoopStats           = runtimepkg.LoopStats
	ErrorCategory       = runtimepkg.ErrorCategory

	// Status API
	StreamStatus = runtimepkg.StreamStatus
	HealthStatus = runtimepkg.HealthStatus

	ConfigValidationError = errspkg.ConfigValidationError
	StreamConflictError   = errspkg.StreamConflictError
	ProcessingError       = errspkg.ProcessingError
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewTask    = envelope.New
	EncodeTask = envelope.Encode
	DecodeTask = envelope.Decode

	Connect             = broker.Connect
	NewStreamRegistry   = streams.NewRegistry
	NewConsumerRegistry = consumers.NewRegistry
	ParseRetention      = streams.ParseRetention

	DefaultBindings = runtimepkg.DefaultBindings
	BindingFor      = runtimepkg.BindingFor

	NewPublisher = runtimepkg.NewPublisher
	WithMsgID    = runtimepkg.WithMsgID
	WithHeader   = runtimepkg.WithHeader

	NewLoop  = runtimepkg.NewLoop
	RunLoops = runtimepkg.RunLoops

	// Task lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewTaskMetrics = runtimepkg.NewTaskMetrics

	Subject     = naming.Subject
	DurableName = naming.DurableName

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrMalformedEnvelope     = errspkg.ErrMalformedEnvelope
	ErrInvalidTask           = errspkg.ErrInvalidTask
	ErrStreamConfigConflict  = errspkg.ErrStreamConfigConflict
	ErrStreamNotFound        = errspkg.ErrStreamNotFound
	ErrConnectionLost        = errspkg.ErrConnectionLost
	ErrProcessingFailure     = errspkg.ErrProcessingFailure
	ErrConsumerFilterOverlap = errspkg.ErrConsumerFilterOverlap
	ErrNoStreamForSubject    = errspkg.ErrNoStreamForSubject
	ErrLoopStopped           = errspkg.ErrLoopStopped
	ErrConsumerNameMismatch  = errspkg.ErrConsumerNameMismatch
	ErrStreamNameRequired    = errspkg.ErrStreamNameRequired
	ErrConsumerNameRequired  = errspkg.ErrConsumerNameRequired
	ErrSubjectRequired       = errspkg.ErrSubjectRequired
	ErrSubjectPrefixRequired = errspkg.ErrSubjectPrefixRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrConnectionRequired    = errspkg.ErrConnectionRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewSlogLogger        = loggingpkg.NewSlogLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	NewMessageID = idspkg.NewMessageID
)

// Delivery classes.
const (
	ClassLimits    = runtimepkg.ClassLimits
	ClassWorkqueue = runtimepkg.ClassWorkqueue
)

// Retention policies.
const (
	Limits    = streams.Limits
	Workqueue = streams.Workqueue
)

// Error category constants for LoopStats.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryMalformed  = runtimepkg.ErrorCategoryMalformed
	ErrorCategoryProcessing = runtimepkg.ErrorCategoryProcessing
	ErrorCategoryAck        = runtimepkg.ErrorCategoryAck
	ErrorCategoryCanceled   = runtimepkg.ErrorCategoryCanceled
)
