// Package logger is a module that appends every message it receives to a JSON lines file.
package logger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

// Entry is one line of the log. Event is set on the lines written when the log starts
// and stops; the others carry a message.
type Entry struct {
	Time       time.Time         `json:"time"`
	Event      string            `json:"event,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	// Content is base64 encoded by encoding/json.
	Content []byte `json:"content,omitempty"`
}

// Config configures the logger module.
type Config struct {
	Filename string `json:"filename"`
	// MaxSize rotates the file to Filename.1 once it grows past this size. Zero disables
	// rotation.
	MaxSize config.SizeBytes `json:"max_size"`
}

// APIs registers the module under the "logger" loader.
var APIs = module.Define("logger", nil, func(_ module.Broker, cfg Config) (broker.Module, error) {
	return New(cfg)
})

// Module writes received messages as JSON lines.
type Module struct {
	module.Label

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	w       io.Writer
	file    *os.File
	size    int64
	written int64
	closed  bool
}

// New opens cfg.Filename for appending.
func New(cfg Config) (*Module, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("%w: logger filename is required", module.ErrInvalidConfig)
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("%w: logger max_size must not be negative", module.ErrInvalidConfig)
	}

	m := &Module{cfg: cfg, now: time.Now, logger: slog.Default().With("module", "logger", "file", cfg.Filename)}
	if err := m.open(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeLocked(Entry{Time: m.now(), Event: "started"}); err != nil {
		m.file.Close()
		return nil, err
	}
	return m, nil
}

// NewWriter logs to w, which the module never closes and never rotates.
func NewWriter(w io.Writer) *Module {
	m := &Module{w: w, now: time.Now, logger: slog.Default().With("module", "logger")}
	m.mu.Lock()
	_ = m.writeLocked(Entry{Time: m.now(), Event: "started"})
	m.mu.Unlock()
	return m
}

func (m *Module) Name() string { return m.NameOr("logger") }

func (m *Module) open() error {
	f, err := os.OpenFile(m.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	m.file, m.w, m.size = f, f, st.Size()
	return nil
}

// Receive appends msg to the log.
func (m *Module) Receive(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("logger is closed")
	}
	return m.writeLocked(Entry{Time: m.now(), Properties: msg.Properties(), Content: msg.Content()})
}

func (m *Module) writeLocked(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	line = append(line, '\n')

	if m.file != nil && m.cfg.MaxSize > 0 && m.size > 0 && m.size+int64(len(line)) > m.cfg.MaxSize.Int64() {
		if err := m.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := m.w.Write(line)
	m.size += int64(n)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return nil
}

func (m *Module) rotateLocked() error {
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file for rotation: %w", err)
	}
	if err := os.Rename(m.cfg.Filename, m.cfg.Filename+".1"); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	m.logger.Info("log file rotated", "size", humanize.IBytes(uint64(m.size)))
	return m.open()
}

// Written returns the number of bytes written since the module was created.
func (m *Module) Written() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// Destroy writes the closing entry and closes the file.
func (m *Module) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if err := m.writeLocked(Entry{Time: m.now(), Event: "stopped"}); err != nil {
		m.logger.Warn("failed to write closing entry", "error", err)
	}
	m.closed = true
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			m.logger.Warn("failed to close log file", "error", err)
		}
	}
	m.logger.Info("logger closed", "written", humanize.Bytes(uint64(m.written)))
}
