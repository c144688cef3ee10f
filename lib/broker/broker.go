// Package broker routes messages between gateway modules.
//
// Modules publish to a Broker, which queues each message and hands it to a single
// dispatch worker. The worker delivers the message to every module linked from the
// publisher, or to every other registered module when the publisher has no links.
// Publishing never blocks on recipients, and the module and link tables are never
// locked while module code runs, so a module may add or remove modules and links from
// inside its own Receive.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snowmerak/gateway.go/lib/message"
)

// State is a broker lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateDestroyed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Options configures a Broker.
type Options struct {
	// Logger receives registration and delivery failure logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Registerer, when set, receives the broker's metrics.
	Registerer prometheus.Registerer
	// QueueLimit caps messages waiting for the dispatch worker. Zero means unbounded.
	QueueLimit int
}

// DefaultOptions returns options for an unbounded broker logging to slog.Default().
func DefaultOptions() *Options {
	return &Options{Logger: slog.Default()}
}

// Broker owns the module and link tables and the dispatch worker.
type Broker struct {
	mu      sync.RWMutex
	modules map[Module]*registration
	order   []*registration
	links   map[*registration]map[*registration]struct{}
	nextSeq uint64

	// delivery in flight on the worker, guarded by mu
	active     *registration
	activeDone chan struct{}

	queue   *queue
	pending atomic.Int64
	state   atomic.Int32
	done    chan struct{}

	dispatchCtx context.Context
	workerID    atomic.Uint64
	logger      *slog.Logger
	metrics     *Metrics
	registerer  prometheus.Registerer
}

type dispatchKey struct{}

// New creates a broker and starts its dispatch worker. A nil opts uses DefaultOptions.
func New(opts *Options) (*Broker, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.QueueLimit < 0 {
		return nil, fmt.Errorf("%w: negative queue limit %d", ErrResourceExhausted, opts.QueueLimit)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		modules:    make(map[Module]*registration),
		links:      make(map[*registration]map[*registration]struct{}),
		queue:      newQueue(opts.QueueLimit),
		done:       make(chan struct{}),
		logger:     logger.With("component", "broker"),
		registerer: opts.Registerer,
	}
	b.dispatchCtx = context.WithValue(context.Background(), dispatchKey{}, b)
	b.metrics = newMetrics(b)

	if b.registerer != nil {
		if err := b.metrics.register(b.registerer); err != nil {
			return nil, fmt.Errorf("failed to register broker metrics: %w", err)
		}
	}

	b.state.Store(int32(StateCreated))
	go b.run()
	b.state.Store(int32(StateRunning))

	return b, nil
}

// State returns the current lifecycle phase.
func (b *Broker) State() State {
	return State(b.state.Load())
}

// Metrics returns the broker's collectors.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

// AddModule registers m. The returned ID names the registration in logs and listings.
func (b *Broker) AddModule(m Module) (ID, error) {
	if err := checkHandle(m); err != nil {
		return "", err
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	b.mu.Lock()
	if b.State() >= StateShuttingDown {
		b.mu.Unlock()
		return "", ErrShuttingDown
	}
	if existing, ok := b.modules[m]; ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s as %s", ErrAlreadyRegistered, existing.name, existing.id)
	}

	b.nextSeq++
	r := &registration{id: id, name: moduleName(m), module: m, seq: b.nextSeq}
	b.modules[m] = r
	b.order = append(b.order, r)
	b.mu.Unlock()

	b.logger.Info("module added", "module", r.name, "id", r.id)
	return id, nil
}

// RemoveModule unregisters m and drops every link that references it. It does not call
// Destroy. Once it returns, no new Receive call on m starts. If the worker is inside
// m.Receive and RemoveModule is called from another goroutine, it waits for that call to
// return or for ctx to end. Called from the worker itself, whatever the ctx, it never
// waits.
func (b *Broker) RemoveModule(ctx context.Context, m Module) error {
	if err := checkHandle(m); err != nil {
		return err
	}

	b.mu.Lock()
	r, ok := b.modules[m]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: module %s", ErrNotFound, moduleName(m))
	}

	r.removed = true
	delete(b.modules, m)
	b.order = slices.DeleteFunc(b.order, func(x *registration) bool { return x == r })
	delete(b.links, r)
	for src, dsts := range b.links {
		delete(dsts, r)
		if len(dsts) == 0 {
			delete(b.links, src)
		}
	}

	var inFlight chan struct{}
	if b.active == r {
		inFlight = b.activeDone
	}
	b.mu.Unlock()

	b.logger.Info("module removed", "module", r.name, "id", r.id)

	if inFlight == nil || b.onWorker(ctx) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-inFlight:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("module %s removed, in-flight receive still running: %w", r.name, ctx.Err())
	}
}

func (b *Broker) onWorker(ctx context.Context) bool {
	if ctx != nil && ctx.Value(dispatchKey{}) == b {
		return true
	}
	id := goroutineID()
	return id != 0 && id == b.workerID.Load()
}

// AddLink routes messages published by src to dst. Adding an existing link is a no-op.
func (b *Broker) AddLink(src, dst Module) error {
	if err := checkHandle(src); err != nil {
		return err
	}
	if err := checkHandle(dst); err != nil {
		return err
	}

	b.mu.Lock()
	rs, rd, err := b.endpoints(src, dst)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	dsts, ok := b.links[rs]
	if !ok {
		dsts = make(map[*registration]struct{})
		b.links[rs] = dsts
	}
	_, existed := dsts[rd]
	dsts[rd] = struct{}{}
	b.mu.Unlock()

	if !existed {
		b.logger.Info("link added", "source", rs.name, "sink", rd.name)
	}
	return nil
}

// RemoveLink deletes the link from src to dst.
func (b *Broker) RemoveLink(src, dst Module) error {
	if err := checkHandle(src); err != nil {
		return err
	}
	if err := checkHandle(dst); err != nil {
		return err
	}

	b.mu.Lock()
	rs, rd, err := b.endpoints(src, dst)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	dsts := b.links[rs]
	if _, ok := dsts[rd]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: link %s -> %s", ErrNotFound, rs.name, rd.name)
	}
	delete(dsts, rd)
	if len(dsts) == 0 {
		delete(b.links, rs)
	}
	b.mu.Unlock()

	b.logger.Info("link removed", "source", rs.name, "sink", rd.name)
	return nil
}

// endpoints must be called with mu held.
func (b *Broker) endpoints(src, dst Module) (*registration, *registration, error) {
	rs, ok := b.modules[src]
	if !ok {
		return nil, nil, fmt.Errorf("%w: link source %s", ErrNotFound, moduleName(src))
	}
	rd, ok := b.modules[dst]
	if !ok {
		return nil, nil, fmt.Errorf("%w: link sink %s", ErrNotFound, moduleName(dst))
	}
	return rs, rd, nil
}

// Publish queues msg for delivery on behalf of publisher and returns without waiting for
// recipients. The broker takes its own reference; the caller still owns msg. A nil
// publisher is the host and reaches every module.
func (b *Broker) Publish(publisher Module, msg *message.Message) error {
	if msg == nil || msg.Released() {
		return fmt.Errorf("%w: nil or released message", ErrInvalidArgument)
	}
	if publisher != nil {
		if err := checkHandle(publisher); err != nil {
			return err
		}
	}

	clone, err := msg.Clone()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	b.pending.Add(1)
	if err := b.queue.push(delivery{publisher: publisher, msg: clone}); err != nil {
		b.pending.Add(-1)
		clone.Release()
		b.metrics.Rejected.Inc()
		return err
	}

	b.metrics.Published.Inc()
	return nil
}

// Close stops accepting messages, waits for the dispatch worker to deliver everything
// already queued, and releases the tables. It must not be called from Receive.
func (b *Broker) Close() error {
	shuttingDown := b.queue.close(func() bool {
		return b.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
	})
	if !shuttingDown {
		return ErrShuttingDown
	}

	b.logger.Info("broker shutting down", "pending", b.QueueLen())
	<-b.done

	b.mu.Lock()
	clear(b.modules)
	clear(b.links)
	b.order = nil
	b.mu.Unlock()

	if b.registerer != nil {
		b.metrics.unregister(b.registerer)
	}

	b.state.Store(int32(StateDestroyed))
	b.logger.Info("broker destroyed")
	return nil
}

// QueueLen returns the number of published messages not yet fully dispatched.
func (b *Broker) QueueLen() int {
	return int(b.pending.Load())
}

// ModuleCount returns the number of registered modules.
func (b *Broker) ModuleCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Modules lists registered modules in registration order.
func (b *Broker) Modules() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Info, 0, len(b.order))
	for _, r := range b.order {
		out = append(out, r.info())
	}
	return out
}

// Lookup returns the registration of m.
func (b *Broker) Lookup(m Module) (Info, bool) {
	if checkHandle(m) != nil {
		return Info{}, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.modules[m]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Links lists every link, ordered by source then sink registration order.
func (b *Broker) Links() []Link {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Link
	for _, src := range b.order {
		for _, dst := range b.sortedSinks(src) {
			out = append(out, Link{Source: src.id, Destination: dst.id})
		}
	}
	return out
}

// sortedSinks must be called with mu held.
func (b *Broker) sortedSinks(src *registration) []*registration {
	dsts := b.links[src]
	if len(dsts) == 0 {
		return nil
	}
	out := make([]*registration, 0, len(dsts))
	for d := range dsts {
		out = append(out, d)
	}
	slices.SortFunc(out, func(x, y *registration) int {
		switch {
		case x.seq < y.seq:
			return -1
		case x.seq > y.seq:
			return 1
		}
		return 0
	})
	return out
}
