package broker

import (
	"context"
	"fmt"
	"reflect"

	"github.com/snowmerak/gateway.go/lib/message"
)

// Module is a unit of gateway logic registered with a broker.
//
// Receive is called by the dispatch worker, one call at a time, for every message routed
// to the module. It must not Release msg; Clone it to keep it past the call. A returned
// error or a panic is logged and does not affect other recipients. ctx identifies the
// dispatch worker and should be passed to RemoveModule when a module removes itself or
// another module from inside Receive.
//
// Destroy stops the module's background work and frees its resources. The broker never
// calls it; the owner of the module does, after RemoveModule.
type Module interface {
	Receive(ctx context.Context, msg *message.Message) error
	Destroy()
}

// Starter is implemented by modules that begin work once the topology is wired.
type Starter interface {
	Start()
}

// Namer is implemented by modules that want a readable name in logs and listings.
type Namer interface {
	Name() string
}

// Info describes a registered module.
type Info struct {
	ID     ID
	Name   string
	Module Module
}

// Link is a directed delivery edge between two registrations.
type Link struct {
	Source      ID
	Destination ID
}

type registration struct {
	id      ID
	name    string
	module  Module
	seq     uint64
	removed bool // guarded by Broker.mu
}

func (r *registration) info() Info {
	return Info{ID: r.id, Name: r.name, Module: r.module}
}

func moduleName(m Module) string {
	if n, ok := m.(Namer); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", m)
}

// checkHandle rejects nil handles and handles that cannot be used as map keys.
func checkHandle(m Module) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidArgument)
	}

	v := reflect.ValueOf(m)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			return fmt.Errorf("%w: nil %T module", ErrInvalidArgument, m)
		}
	}

	if !v.Type().Comparable() {
		return fmt.Errorf("%w: module type %T is not comparable", ErrInvalidArgument, m)
	}
	return nil
}
