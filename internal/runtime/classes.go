package runtime

import (
	"fmt"

	configpkg "github.com/SoundOrion/JobFlow2/internal/runtime/config"
	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	"github.com/SoundOrion/JobFlow2/internal/runtime/naming"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
)

// Class names a delivery class. Each class owns one stream and one subject
// prefix.
type Class string

const (
	// ClassLimits is the bounded audit log read in full by every worker host.
	ClassLimits Class = "limits"
	// ClassWorkqueue is the competing-consumers queue; each task is handled once.
	ClassWorkqueue Class = "workqueue"
)

// Binding ties a delivery class to the stream it publishes into and the
// durable consumer workers read it through.
type Binding struct {
	Class    Class
	Prefix   string
	Stream   streams.Spec
	Consumer consumers.Spec
}

// DefaultBindings derives the limits and workqueue bindings from conf.
// The limits consumer is suffixed with the sanitized identity so every host
// keeps its own cursor; the workqueue consumer name is shared.
func DefaultBindings(conf *configpkg.Config) ([]Binding, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	identity := conf.Identity
	if identity == "" {
		identity = naming.HostIdentity()
	}

	limits, err := bindingFor(ClassLimits, conf.LimitsStream, naming.DurableName(conf.LimitsConsumerRole, identity), conf)
	if err != nil {
		return nil, err
	}
	workqueue, err := bindingFor(ClassWorkqueue, conf.WorkqueueStream, naming.DurableName(conf.WorkqueueConsumerName, ""), conf)
	if err != nil {
		return nil, err
	}
	return []Binding{limits, workqueue}, nil
}

func bindingFor(class Class, settings configpkg.StreamSettings, consumerName string, conf *configpkg.Config) (Binding, error) {
	retention, err := streams.ParseRetention(settings.Retention)
	if err != nil {
		return Binding{}, fmt.Errorf("%s stream: %w", class, err)
	}
	pattern := naming.Pattern(settings.Prefix)
	return Binding{
		Class:  class,
		Prefix: settings.Prefix,
		Stream: streams.Spec{
			Name:        settings.Name,
			Description: fmt.Sprintf("jobflow %s tasks", class),
			Subjects:    []string{pattern},
			Retention:   retention,
			MaxMessages: settings.MaxMessages,
			MaxBytes:    settings.MaxBytes,
			MaxAge:      settings.MaxAge,
			Storage:     streams.Storage(settings.Storage),
			Replicas:    settings.Replicas,
		},
		Consumer: consumers.Spec{
			Stream:        settings.Name,
			Name:          consumerName,
			Durable:       consumerName,
			FilterSubject: pattern,
			AckWait:       conf.AckWait,
			MaxDeliver:    conf.MaxDeliver,
		},
	}, nil
}

// BindingFor returns the binding for class.
func BindingFor(bindings []Binding, class Class) (Binding, bool) {
	for _, b := range bindings {
		if b.Class == class {
			return b, true
		}
	}
	return Binding{}, false
}
