// Package gateway assembles a broker and its modules from a configuration.
//
// New creates every configured module and link without starting anything. Start then
// starts the modules in configuration order, so no module publishes before the whole
// topology exists. Close removes and destroys the modules in reverse order and closes
// the broker last.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

var (
	ErrClosed        = errors.New("gateway is closed")
	ErrModuleExists  = errors.New("module name already in use")
	ErrUnknownModule = errors.New("unknown module")
	// ErrCreate wraps failures returned by a module loader.
	ErrCreate = errors.New("module creation failed")
)

// Options configures a Gateway.
type Options struct {
	Logger *slog.Logger
	// Registry resolves module loader names. Required.
	Registry *module.Registry
	// Registerer receives broker metrics when set.
	Registerer prometheus.Registerer
}

// ModuleInfo describes a module owned by the gateway.
type ModuleInfo struct {
	Name   string    `json:"name"`
	Loader string    `json:"loader"`
	ID     broker.ID `json:"id"`
	State  string    `json:"state"`
}

// LinkInfo is a link between two gateway modules, by name.
type LinkInfo struct {
	Source string `json:"source"`
	Sink   string `json:"sink"`
}

// Gateway owns a broker and the modules created for it.
type Gateway struct {
	broker   *broker.Broker
	registry *module.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	instances []*module.Instance
	byName    map[string]*module.Instance
	started   bool
	closed    bool
}

// New creates the broker, every configured module and every configured link. On failure
// everything created so far is destroyed.
func New(cfg *config.Config, opts *Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts == nil || opts.Registry == nil {
		return nil, fmt.Errorf("gateway needs a module registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b, err := broker.New(&broker.Options{
		Logger:     logger,
		Registerer: opts.Registerer,
		QueueLimit: cfg.Broker.QueueLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	g := &Gateway{
		broker:   b,
		registry: opts.Registry,
		logger:   logger.With("component", "gateway"),
		byName:   make(map[string]*module.Instance),
	}

	for _, mc := range cfg.Modules {
		if _, err := g.create(mc); err != nil {
			g.teardown(context.Background())
			return nil, err
		}
	}
	for _, lc := range cfg.Links {
		if err := g.AddLink(lc.Source, lc.Sink); err != nil {
			g.teardown(context.Background())
			return nil, err
		}
	}

	return g, nil
}

// Broker returns the gateway's broker.
func (g *Gateway) Broker() *broker.Broker {
	return g.broker
}

// Start starts every module in creation order. Modules added later are started as they
// are added.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	instances := slices.Clone(g.instances)
	g.mu.Unlock()

	for _, inst := range instances {
		if inst.Start() {
			g.logger.Info("module started", "module", inst.Name, "loader", inst.Loader)
		}
	}
	return nil
}

// AddModule creates a module at runtime. It is started right away when the gateway
// has been started.
func (g *Gateway) AddModule(mc config.ModuleConfig) (*module.Instance, error) {
	inst, err := g.create(mc)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started && inst.Start() {
		g.logger.Info("module started", "module", inst.Name, "loader", inst.Loader)
	}
	return inst, nil
}

func (g *Gateway) create(mc config.ModuleConfig) (*module.Instance, error) {
	if mc.Name == "" || mc.Name == config.AnySource {
		return nil, fmt.Errorf("%w: module name %q", config.ErrInvalid, mc.Name)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := g.byName[mc.Name]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModuleExists, mc.Name)
	}
	// reserve the name while the module is built outside the lock
	g.byName[mc.Name] = nil
	g.mu.Unlock()

	inst, err := g.build(mc)

	g.mu.Lock()
	if err != nil {
		delete(g.byName, mc.Name)
		g.mu.Unlock()
		return nil, err
	}
	if g.closed {
		g.mu.Unlock()
		_ = g.destroy(context.Background(), inst)
		return nil, ErrClosed
	}
	g.byName[mc.Name] = inst
	g.instances = append(g.instances, inst)
	g.mu.Unlock()
	return inst, nil
}

func (g *Gateway) build(mc config.ModuleConfig) (*module.Instance, error) {
	apis, err := g.registry.Lookup(mc.Loader)
	if err != nil {
		return nil, fmt.Errorf("failed to create module %s: %w", mc.Name, err)
	}
	if apis.CreateFromJSON == nil {
		return nil, fmt.Errorf("failed to create module %s: loader %s has no JSON form", mc.Name, mc.Loader)
	}
	raw, err := mc.ArgsJSON()
	if err != nil {
		return nil, err
	}

	m, err := apis.CreateFromJSON(g.broker, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCreate, mc.Name, err)
	}
	if r, ok := m.(module.Renamer); ok {
		r.SetName(mc.Name)
	}
	if _, err := g.broker.AddModule(m); err != nil {
		m.Destroy()
		return nil, fmt.Errorf("failed to add module %s: %w", mc.Name, err)
	}

	g.logger.Info("module created", "module", mc.Name, "loader", mc.Loader)
	return module.NewInstance(mc.Name, mc.Loader, m), nil
}

// RemoveModule unregisters the named module from the broker and destroys it.
func (g *Gateway) RemoveModule(ctx context.Context, name string) error {
	g.mu.Lock()
	inst := g.byName[name]
	if inst == nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	delete(g.byName, name)
	g.instances = slices.DeleteFunc(g.instances, func(x *module.Instance) bool { return x == inst })
	g.mu.Unlock()

	return g.destroy(ctx, inst)
}

func (g *Gateway) destroy(ctx context.Context, inst *module.Instance) error {
	err := g.broker.RemoveModule(ctx, inst.Module())
	if errors.Is(err, broker.ErrNotFound) {
		err = nil
	}
	inst.Destroy()
	g.logger.Info("module destroyed", "module", inst.Name)
	if err != nil {
		return fmt.Errorf("failed to remove module %s: %w", inst.Name, err)
	}
	return nil
}

// AddLink routes messages from source to sink. A source of "*" links every other module
// to sink.
func (g *Gateway) AddLink(source, sink string) error {
	pairs, err := g.resolve(source, sink)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := g.broker.AddLink(p[0].Module(), p[1].Module()); err != nil {
			return fmt.Errorf("failed to link %s -> %s: %w", p[0].Name, p[1].Name, err)
		}
	}
	return nil
}

// RemoveLink deletes the link from source to sink. With a source of "*" it deletes the
// links from every other module to sink that exist.
func (g *Gateway) RemoveLink(source, sink string) error {
	pairs, err := g.resolve(source, sink)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		err := g.broker.RemoveLink(p[0].Module(), p[1].Module())
		if err != nil && (source != config.AnySource || !errors.Is(err, broker.ErrNotFound)) {
			return fmt.Errorf("failed to unlink %s -> %s: %w", p[0].Name, p[1].Name, err)
		}
	}
	return nil
}

func (g *Gateway) resolve(source, sink string) ([][2]*module.Instance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dst := g.byName[sink]
	if dst == nil {
		return nil, fmt.Errorf("%w: link sink %s", ErrUnknownModule, sink)
	}
	if source != config.AnySource {
		src := g.byName[source]
		if src == nil {
			return nil, fmt.Errorf("%w: link source %s", ErrUnknownModule, source)
		}
		return [][2]*module.Instance{{src, dst}}, nil
	}

	var pairs [][2]*module.Instance
	for _, inst := range g.instances {
		if inst != dst {
			pairs = append(pairs, [2]*module.Instance{inst, dst})
		}
	}
	return pairs, nil
}

// Publish sends msg from the host to every module.
func (g *Gateway) Publish(msg *message.Message) error {
	return g.broker.Publish(nil, msg)
}

// Lookup returns the named module instance.
func (g *Gateway) Lookup(name string) (*module.Instance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst := g.byName[name]
	return inst, inst != nil
}

// Modules lists the gateway's modules in creation order.
func (g *Gateway) Modules() []ModuleInfo {
	g.mu.Lock()
	instances := slices.Clone(g.instances)
	g.mu.Unlock()

	out := make([]ModuleInfo, 0, len(instances))
	for _, inst := range instances {
		info := ModuleInfo{Name: inst.Name, Loader: inst.Loader, State: inst.State().String()}
		if reg, ok := g.broker.Lookup(inst.Module()); ok {
			info.ID = reg.ID
		}
		out = append(out, info)
	}
	return out
}

// Links lists the broker's links by module name.
func (g *Gateway) Links() []LinkInfo {
	names := make(map[broker.ID]string)
	for _, m := range g.Modules() {
		names[m.ID] = m.Name
	}

	var out []LinkInfo
	for _, l := range g.broker.Links() {
		src, okSrc := names[l.Source]
		dst, okDst := names[l.Destination]
		if okSrc && okDst {
			out = append(out, LinkInfo{Source: src, Sink: dst})
		}
	}
	return out
}

// Close destroys every module in reverse creation order and then closes the broker.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.closed = true
	g.mu.Unlock()

	return g.teardown(ctx)
}

func (g *Gateway) teardown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	instances := g.instances
	g.instances = nil
	clear(g.byName)
	g.mu.Unlock()

	var errs []error
	for i := len(instances) - 1; i >= 0; i-- {
		if err := g.destroy(ctx, instances[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	g.logger.Info("gateway closed", "modules", len(instances))
	return errors.Join(errs...)
}
