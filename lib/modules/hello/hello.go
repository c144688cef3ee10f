// Package hello is a module that publishes a greeting on a fixed period.
package hello

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

const (
	// Property is set on every greeting.
	Property      = "helloWorld"
	propertyValue = "from gateway hello module"
	defaultText   = "hello world"
)

// Config configures the hello module.
type Config struct {
	Period config.Duration `json:"period"`
	Text   string          `json:"text"`
}

// DefaultConfig publishes "hello world" every five seconds.
func DefaultConfig() Config {
	return Config{Period: config.Duration(5 * time.Second), Text: defaultText}
}

// APIs registers the module under the "hello" loader.
var APIs = module.Define("hello", DefaultConfig, func(b module.Broker, cfg Config) (broker.Module, error) {
	return New(b, cfg)
})

// Module publishes Config.Text every Config.Period once started.
type Module struct {
	module.Label

	b      module.Broker
	cfg    Config
	worker *module.Worker
	logger *slog.Logger
}

// New validates cfg and creates a stopped module.
func New(b module.Broker, cfg Config) (*Module, error) {
	if b == nil {
		return nil, fmt.Errorf("hello module needs a broker")
	}
	if cfg.Period.Duration() <= 0 {
		return nil, fmt.Errorf("%w: hello period must be positive, got %s", module.ErrInvalidConfig, cfg.Period.Duration())
	}
	if cfg.Text == "" {
		cfg.Text = defaultText
	}
	return &Module{
		b:      b,
		cfg:    cfg,
		worker: module.NewWorker(context.Background()),
		logger: slog.Default().With("module", "hello"),
	}, nil
}

func (m *Module) Name() string { return m.NameOr("hello") }

// Start begins publishing.
func (m *Module) Start() {
	m.worker.Go(m.run)
}

func (m *Module) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Period.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.publish(); err != nil {
				m.logger.Warn("failed to publish greeting", "error", err)
			}
		}
	}
}

func (m *Module) publish() error {
	msg, err := message.New(map[string]string{Property: propertyValue}, []byte(m.cfg.Text))
	if err != nil {
		return err
	}
	defer msg.Release()
	return m.b.Publish(m, msg)
}

// Receive ignores incoming messages.
func (m *Module) Receive(context.Context, *message.Message) error {
	return nil
}

// Destroy stops publishing and waits for the publishing goroutine to exit.
func (m *Module) Destroy() {
	m.worker.Stop()
}
