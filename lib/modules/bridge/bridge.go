// Package bridge connects the broker to an out-of-process backend.
//
// The host side, Module, forks a backend executable and exchanges frames with it over
// the child's stdin and stdout. Messages received from the broker are forwarded to the
// backend in wire format; messages the backend sends are published into the broker.
// Session is the backend side of the same stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
	"github.com/snowmerak/gateway.go/lib/process"
)

var (
	// ErrBackendGone is returned when the backend closed its stream.
	ErrBackendGone = errors.New("bridge backend is gone")
	// ErrNotReady is returned when the backend does not report ready in time.
	ErrNotReady = errors.New("bridge backend did not become ready")
)

// Config configures the bridge.
type Config struct {
	Backend string `json:"backend"`
	// Socket, when set, dials a backend already listening on this unix socket instead
	// of forking Backend.
	Socket string   `json:"socket"`
	Args   []string `json:"args"`
	Env    []string `json:"env"`
	// DeviceProperty, when set, forwards only messages carrying that property.
	DeviceProperty  string          `json:"device_property"`
	ReadyTimeout    config.Duration `json:"ready_timeout"`
	ShutdownTimeout config.Duration `json:"shutdown_timeout"`
}

// DefaultConfig waits ten seconds for ready and five for the shutdown ack.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:    config.Duration(10 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// APIs registers the module under the "bridge" loader.
var APIs = module.Define("bridge", DefaultConfig, func(b module.Broker, cfg Config) (broker.Module, error) {
	return New(b, cfg)
})

// Transport is the host's end of the stream to a backend.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type processTransport struct {
	p *process.Process
}

func (t processTransport) Read(b []byte) (int, error)  { return t.p.Stdout().Read(b) }
func (t processTransport) Write(b []byte) (int, error) { return t.p.Stdin().Write(b) }
func (t processTransport) Close() error                { return t.p.Close() }

// Module is the host side of a bridge.
type Module struct {
	module.Label

	b      module.Broker
	cfg    Config
	t      Transport
	out    *frameWriter
	worker *module.Worker
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	ack       chan struct{}
	ackOnce   sync.Once
	gone      chan struct{}

	destroyOnce sync.Once
}

// New forks cfg.Backend, or dials cfg.Socket, and waits for the backend to report ready.
func New(b module.Broker, cfg Config) (*Module, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.Socket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ReadyTimeout.Duration())
		defer cancel()
		conn, err := Dial(ctx, cfg.Socket)
		if err != nil {
			return nil, err
		}
		return NewWithTransport(b, cfg, conn)
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("%w: bridge backend or socket is required", module.ErrInvalidConfig)
	}

	opts := process.DefaultOptions()
	opts.Args = cfg.Args
	opts.Env = cfg.Env
	if cfg.ShutdownTimeout > 0 {
		opts.GracePeriod = cfg.ShutdownTimeout.Duration()
	}
	p, err := process.Fork(cfg.Backend, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fork bridge backend: %w", err)
	}
	return NewWithTransport(b, cfg, processTransport{p: p})
}

// NewWithTransport runs the bridge over t and waits for the backend to report ready.
// t is closed when the bridge is destroyed or fails to start.
func NewWithTransport(b module.Broker, cfg Config, t Transport) (*Module, error) {
	if b == nil {
		t.Close()
		return nil, fmt.Errorf("bridge module needs a broker")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	m := &Module{
		b:      b,
		cfg:    cfg,
		t:      t,
		out:    &frameWriter{w: t},
		worker: module.NewWorker(context.Background()),
		logger: slog.Default().With("module", "bridge", "backend", cfg.Backend),
		ready:  make(chan struct{}),
		ack:    make(chan struct{}),
		gone:   make(chan struct{}),
	}
	m.worker.Go(m.readLoop)

	timer := time.NewTimer(cfg.ReadyTimeout.Duration())
	defer timer.Stop()
	select {
	case <-m.ready:
		m.logger.Info("bridge backend ready")
		return m, nil
	case <-m.gone:
		select {
		case <-m.ready:
			// ready was reported before the stream ended; Receive reports the loss
			return m, nil
		default:
		}
		m.abort()
		return nil, fmt.Errorf("%w: %w", ErrNotReady, ErrBackendGone)
	case <-timer.C:
		m.abort()
		return nil, fmt.Errorf("%w within %s", ErrNotReady, cfg.ReadyTimeout.Duration())
	}
}

func (m *Module) abort() {
	m.t.Close()
	m.worker.Stop()
}

func (m *Module) Name() string { return m.NameOr("bridge") }

func (m *Module) readLoop(ctx context.Context) {
	defer close(m.gone)

	for {
		f, err := ReadFrame(m.t)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
				m.logger.Warn("bridge stream failed", "error", err)
			}
			return
		}

		switch f.Type {
		case FrameReady:
			m.readyOnce.Do(func() { close(m.ready) })
		case FrameShutdownAck:
			m.ackOnce.Do(func() { close(m.ack) })
		case FrameMessage:
			if err := m.publish(f.Payload); err != nil {
				m.logger.Warn("failed to publish backend message", "error", err)
			}
		case FrameError:
			m.logger.Warn("bridge backend error", "error", string(f.Payload))
		default:
			m.logger.Warn("unexpected bridge frame", "type", f.Type.String())
		}
	}
}

func (m *Module) publish(payload []byte) error {
	msg, err := message.Unmarshal(payload)
	if err != nil {
		return err
	}
	defer msg.Release()
	return m.b.Publish(m, msg)
}

// Receive forwards msg to the backend, unless a device property is configured and msg
// does not carry it.
func (m *Module) Receive(_ context.Context, msg *message.Message) error {
	if m.cfg.DeviceProperty != "" {
		if _, ok := msg.Property(m.cfg.DeviceProperty); !ok {
			return nil
		}
	}

	select {
	case <-m.gone:
		return ErrBackendGone
	default:
	}

	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message for backend: %w", err)
	}
	return m.out.write(FrameMessage, data)
}

// Destroy asks the backend to shut down, waits for its ack or for the shutdown timeout,
// then closes the stream.
func (m *Module) Destroy() {
	m.destroyOnce.Do(func() {
		sent := make(chan error, 1)
		go func() { sent <- m.out.write(FrameShutdown, nil) }()

		timer := time.NewTimer(m.cfg.ShutdownTimeout.Duration())
		for waiting := true; waiting; {
			select {
			case err := <-sent:
				sent = nil
				waiting = err == nil
			case <-m.ack:
				waiting = false
			case <-m.gone:
				waiting = false
			case <-timer.C:
				m.logger.Warn("bridge backend did not acknowledge shutdown", "timeout", m.cfg.ShutdownTimeout.Duration())
				waiting = false
			}
		}
		timer.Stop()

		if err := m.t.Close(); err != nil {
			m.logger.Warn("failed to close bridge transport", "error", err)
		}
		m.worker.Stop()
		m.logger.Info("bridge closed")
	})
}
