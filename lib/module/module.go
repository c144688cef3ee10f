// Package module defines how the gateway creates, starts and destroys modules.
//
// A module kind is described by APIs. Create builds a module from a typed configuration
// and CreateFromJSON builds one from raw JSON. The gateway wraps every created module in
// an Instance, which enforces the Created, Started, Destroyed lifecycle.
package module

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/message"
)

var (
	// ErrInvalidConfig is returned when a module configuration cannot be parsed or validated.
	ErrInvalidConfig = errors.New("invalid module configuration")
	// ErrUnknownLoader is returned when no APIs are registered under a loader name.
	ErrUnknownLoader = errors.New("unknown module loader")
)

// Broker is the part of the broker a module uses to publish.
type Broker interface {
	Publish(publisher broker.Module, msg *message.Message) error
}

// Renamer is implemented by modules that report the instance name given in the gateway
// configuration. The gateway calls SetName before registering the module with the broker.
type Renamer interface {
	SetName(name string)
}

// Label is embedded by modules to satisfy Renamer.
type Label struct {
	name string
}

func (l *Label) SetName(name string) { l.name = name }

// NameOr returns the configured name, or fallback when none was set.
func (l *Label) NameOr(fallback string) string {
	if l.name == "" {
		return fallback
	}
	return l.name
}

// APIs describes one kind of module.
type APIs struct {
	Name string
	// Create builds a module from a configuration value of the kind's own type.
	Create func(b Broker, cfg any) (broker.Module, error)
	// CreateFromJSON parses raw and calls Create. A nil CreateFromJSON means the kind
	// has no JSON form.
	CreateFromJSON func(b Broker, raw []byte) (broker.Module, error)
}

// Validate reports whether the required entry points are present.
func (a APIs) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: module apis without a name", ErrInvalidConfig)
	}
	if a.Create == nil {
		return fmt.Errorf("%w: module %s has no Create", ErrInvalidConfig, a.Name)
	}
	return nil
}

// Define builds APIs for a module whose configuration is C. JSON input is decoded into a
// C initialized by defaults, when defaults is non-nil.
func Define[C any](name string, defaults func() C, create func(b Broker, cfg C) (broker.Module, error)) APIs {
	return APIs{
		Name: name,
		Create: func(b Broker, cfg any) (broker.Module, error) {
			typed, ok := cfg.(C)
			if !ok {
				if ptr, isPtr := cfg.(*C); isPtr && ptr != nil {
					typed = *ptr
				} else {
					var zero C
					return nil, fmt.Errorf("%w: %s expects %T, got %T", ErrInvalidConfig, name, zero, cfg)
				}
			}
			m, err := create(b, typed)
			if err != nil {
				return nil, fmt.Errorf("failed to create module %s: %w", name, err)
			}
			if m == nil {
				return nil, fmt.Errorf("failed to create module %s: nil module", name)
			}
			return m, nil
		},
		CreateFromJSON: func(b Broker, raw []byte) (broker.Module, error) {
			var cfg C
			if defaults != nil {
				cfg = defaults()
			}
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &cfg); err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
				}
			}
			m, err := create(b, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create module %s: %w", name, err)
			}
			if m == nil {
				return nil, fmt.Errorf("failed to create module %s: nil module", name)
			}
			return m, nil
		},
	}
}
