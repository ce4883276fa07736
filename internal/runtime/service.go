package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SoundOrion/JobFlow2/internal/runtime/broker"
	configpkg "github.com/SoundOrion/JobFlow2/internal/runtime/config"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/envelope"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	loggingpkg "github.com/SoundOrion/JobFlow2/internal/runtime/logging"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Conn reuses an existing broker session. When nil the Service dials one
	// from the configuration and closes it in Close.
	Conn *broker.Conn
	// Bindings replaces the bindings derived from the configuration.
	Bindings []Binding
	// Hooks are invoked by every loop the Service creates.
	Hooks TaskHooks
	// Registerer receives the task metrics. Defaults to the Prometheus default registry.
	Registerer prometheus.Registerer
}

// Service wires the broker session, both registries, the publisher and the
// consumption loops of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	conn      *broker.Conn
	ownsConn  bool
	streams   *streams.Registry
	consumers *consumers.Registry
	publisher *Publisher
	metrics   *TaskMetrics
	hooks     TaskHooks
	bindings  []Binding
	process   *processSampler

	loops   []*Loop
	loopsMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
}

// NewService validates conf, connects to the broker and prepares the
// registries. Nothing is provisioned until ProvisionStreams or AddLoop.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	bindings := deps.Bindings
	if len(bindings) == 0 {
		var err error
		if bindings, err = DefaultBindings(conf); err != nil {
			return nil, err
		}
	}

	log.Info("Creating task service", loggingpkg.LogFields{"config": conf.String()})

	conn, owns := deps.Conn, false
	if conn == nil {
		var err error
		conn, err = broker.Connect(ctx, broker.Options{
			URL:           conf.NATSURL,
			Name:          conf.ConnectionName,
			MaxReconnects: conf.MaxReconnects,
			ReconnectWait: conf.ReconnectWait,
			Timeout:       conf.ConnectTimeout,
			DrainTimeout:  conf.DrainTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	metrics := NewTaskMetrics(registerer)

	publisher, err := NewPublisher(conn, log, metrics)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:      conf,
		Logger:    log,
		conn:      conn,
		ownsConn:  owns,
		streams:   streams.NewRegistry(conn.JetStream(), log),
		consumers: consumers.NewRegistry(conn.JetStream(), log),
		publisher: publisher,
		metrics:   metrics,
		hooks:     deps.Hooks,
		bindings:  bindings,
		process:   newProcessSampler(),
	}

	if conf.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	}
	return s, nil
}

// Conn returns the shared broker session.
func (s *Service) Conn() *broker.Conn { return s.conn }

// Publisher returns the task publisher.
func (s *Service) Publisher() *Publisher { return s.publisher }

func (s *Service) Metrics() *TaskMetrics { return s.metrics }

func (s *Service) Streams() *streams.Registry { return s.streams }

func (s *Service) Consumers() *consumers.Registry { return s.consumers }

// Bindings returns the delivery classes this service publishes to and consumes from.
func (s *Service) Bindings() []Binding {
	return append([]Binding(nil), s.bindings...)
}

func (s *Service) binding(class Class) (Binding, error) {
	b, ok := BindingFor(s.bindings, class)
	if !ok {
		return Binding{}, fmt.Errorf("unknown delivery class %q", class)
	}
	return b, nil
}

// ProvisionStreams ensures every bound stream exists with the configured
// settings. It stops at the first conflict.
func (s *Service) ProvisionStreams(ctx context.Context) error {
	for _, b := range s.bindings {
		if _, err := s.streams.EnsureStream(ctx, b.Stream); err != nil {
			return err
		}
	}
	return nil
}

// ProvisionConsumers ensures the durable consumer of every binding.
func (s *Service) ProvisionConsumers(ctx context.Context) (map[Class]*consumers.Consumer, error) {
	out := make(map[Class]*consumers.Consumer, len(s.bindings))
	for _, b := range s.bindings {
		c, err := s.consumers.EnsureConsumer(ctx, b.Consumer)
		if err != nil {
			return nil, err
		}
		out[b.Class] = c
	}
	return out, nil
}

// Publish sends task through the prefix of class.
func (s *Service) Publish(ctx context.Context, class Class, task envelope.Task, opts ...PublishOption) (PublishAck, error) {
	b, err := s.binding(class)
	if err != nil {
		return PublishAck{}, err
	}
	return s.publisher.Publish(ctx, b.Prefix, task, opts...)
}

// PublishLimits appends task to the audit log read by every worker host.
func (s *Service) PublishLimits(ctx context.Context, task envelope.Task, opts ...PublishOption) (PublishAck, error) {
	return s.Publish(ctx, ClassLimits, task, opts...)
}

// PublishWorkqueue enqueues task for exactly one worker.
func (s *Service) PublishWorkqueue(ctx context.Context, task envelope.Task, opts ...PublishOption) (PublishAck, error) {
	return s.Publish(ctx, ClassWorkqueue, task, opts...)
}

// AddLoop ensures the durable consumer of class and registers a loop that
// feeds its tasks to handler. Loops start with Run.
func (s *Service) AddLoop(ctx context.Context, class Class, handler Handler) (*Loop, error) {
	b, err := s.binding(class)
	if err != nil {
		return nil, err
	}
	cons, err := s.consumers.EnsureConsumer(ctx, b.Consumer)
	if err != nil {
		return nil, err
	}
	loop, err := NewLoop(cons, handler, LoopOptions{
		Name:       string(class),
		Logger:     s.Logger,
		Hooks:      s.hooks,
		Metrics:    s.metrics,
		Conn:       s.conn,
		AckTimeout: s.Conf.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	s.loopsMu.Lock()
	s.loops = append(s.loops, loop)
	s.loopsMu.Unlock()
	return loop, nil
}

// Loops returns the registered loops.
func (s *Service) Loops() []*Loop {
	s.loopsMu.RLock()
	defer s.loopsMu.RUnlock()
	return append([]*Loop(nil), s.loops...)
}

// Run serves the HTTP endpoints and runs every registered loop until ctx is
// cancelled or the connection is lost.
func (s *Service) Run(ctx context.Context) error {
	s.StartStatusServer()
	if err := s.startHTTPServers(); err != nil {
		return err
	}
	return RunLoops(ctx, s.Loops()...)
}

// Close stops the HTTP servers and, when the Service dialled it, drains the
// broker connection.
func (s *Service) Close() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsConn {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	s.httpServers = nil
	return nil
}
