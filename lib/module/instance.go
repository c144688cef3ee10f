package module

import (
	"sync"

	"github.com/snowmerak/gateway.go/lib/broker"
)

// State is an Instance lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateDestroyed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Instance is a created module together with its lifecycle state.
type Instance struct {
	Name   string
	Loader string

	module broker.Module

	mu    sync.Mutex
	state State
}

// NewInstance wraps m, which has just been created.
func NewInstance(name, loader string, m broker.Module) *Instance {
	return &Instance{Name: name, Loader: loader, module: m}
}

// Module returns the wrapped module.
func (i *Instance) Module() broker.Module {
	return i.module
}

// State returns the current lifecycle phase.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Start calls the module's Start, if it has one, the first time it is called on a
// created instance. It reports whether the instance moved to Started.
func (i *Instance) Start() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateCreated {
		return false
	}
	if s, ok := i.module.(broker.Starter); ok {
		s.Start()
	}
	i.state = StateStarted
	return true
}

// Destroy calls the module's Destroy exactly once. It reports whether this call did so.
func (i *Instance) Destroy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDestroyed {
		return false
	}
	i.module.Destroy()
	i.state = StateDestroyed
	return true
}
