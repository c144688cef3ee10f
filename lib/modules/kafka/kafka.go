// Package kafka bridges the broker to Kafka topics.
//
// Messages the module receives are produced to the outbound topic with the wire format
// as value and the properties as headers. Records consumed from the inbound topic are
// published into the broker. Values in wire format are decoded as messages; any other
// value is published as raw content with the record headers as properties.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

const (
	PropertyTopic     = "kafka.topic"
	PropertyKey       = "kafka.key"
	PropertyPartition = "kafka.partition"
	PropertyOffset    = "kafka.offset"
)

// Reader is the consuming half of a Kafka client. *kafka.Reader satisfies it.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Writer is the producing half of a Kafka client. *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka bridge. At least one of TopicIn and TopicOut is required.
type Config struct {
	Brokers  []string `json:"brokers"`
	GroupID  string   `json:"group_id"`
	TopicIn  string   `json:"topic_in"`
	TopicOut string   `json:"topic_out"`
	// KeyProperty names the property used as record key. Defaults to deviceName.
	KeyProperty  string          `json:"key_property"`
	WriteTimeout config.Duration `json:"write_timeout"`
	BatchTimeout config.Duration `json:"batch_timeout"`
	// RateLimit caps records published per second from TopicIn. Zero is unlimited.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
}

// DefaultConfig returns a config keyed by deviceName with short write batching.
func DefaultConfig() Config {
	return Config{
		GroupID:      "gateway",
		KeyProperty:  "deviceName",
		WriteTimeout: config.Duration(5 * time.Second),
		BatchTimeout: config.Duration(10 * time.Millisecond),
	}
}

// APIs registers the module under the "kafka" loader.
var APIs = module.Define("kafka", DefaultConfig, func(b module.Broker, cfg Config) (broker.Module, error) {
	return New(b, cfg)
})

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers are required", module.ErrInvalidConfig)
	}
	if c.TopicIn == "" && c.TopicOut == "" {
		return fmt.Errorf("%w: kafka needs topic_in or topic_out", module.ErrInvalidConfig)
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return fmt.Errorf("%w: kafka rate_limit and burst must not be negative", module.ErrInvalidConfig)
	}
	return nil
}

// Module is the Kafka bridge.
type Module struct {
	module.Label

	b       module.Broker
	cfg     Config
	reader  Reader
	writer  Writer
	limiter *rate.Limiter
	worker  *module.Worker
	logger  *slog.Logger
}

// New dials nothing up front; kafka-go connects lazily on first read or write.
func New(b module.Broker, cfg Config) (*Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var r Reader
	if cfg.TopicIn != "" {
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.TopicIn,
		})
	}
	var w Writer
	if cfg.TopicOut != "" {
		w = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.TopicOut,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout.Duration(),
		}
	}
	return NewWithClients(b, cfg, r, w)
}

// NewWithClients builds the bridge over existing clients. Either may be nil.
func NewWithClients(b module.Broker, cfg Config, r Reader, w Writer) (*Module, error) {
	if b == nil {
		return nil, fmt.Errorf("kafka module needs a broker")
	}
	if r == nil && w == nil {
		return nil, fmt.Errorf("%w: kafka needs a reader or a writer", module.ErrInvalidConfig)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Module{
		b:       b,
		cfg:     cfg,
		reader:  r,
		writer:  w,
		limiter: limiter,
		worker:  module.NewWorker(context.Background()),
		logger:  slog.Default().With("module", "kafka", "topic_in", cfg.TopicIn, "topic_out", cfg.TopicOut),
	}, nil
}

func (m *Module) Name() string { return m.NameOr("kafka") }

// Start begins consuming TopicIn.
func (m *Module) Start() {
	if m.reader != nil {
		m.worker.Go(m.consume)
	}
}

func (m *Module) consume(ctx context.Context) {
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		rec, err := m.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			m.logger.Warn("kafka read error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msg, err := Decode(rec)
		if err != nil {
			m.logger.Warn("failed to decode kafka record", "offset", rec.Offset, "error", err)
			continue
		}
		if err := m.b.Publish(m, msg); err != nil {
			m.logger.Warn("failed to publish kafka record", "offset", rec.Offset, "error", err)
		}
		msg.Release()
	}
}

// Decode turns a consumed record into a message.
func Decode(rec kafka.Message) (*message.Message, error) {
	if msg, err := message.Unmarshal(rec.Value); err == nil {
		return msg, nil
	}

	props := make(map[string]string, len(rec.Headers)+4)
	for _, h := range rec.Headers {
		if message.ValidateProperty(h.Key, string(h.Value)) == nil {
			props[h.Key] = string(h.Value)
		}
	}
	props[PropertyTopic] = rec.Topic
	props[PropertyPartition] = strconv.Itoa(rec.Partition)
	props[PropertyOffset] = strconv.FormatInt(rec.Offset, 10)
	if len(rec.Key) > 0 && message.ValidateProperty(PropertyKey, string(rec.Key)) == nil {
		props[PropertyKey] = string(rec.Key)
	}
	return message.New(props, rec.Value)
}

// Encode turns a message into a record for topic.
func Encode(msg *message.Message, keyProperty string) (kafka.Message, error) {
	value, err := msg.MarshalBinary()
	if err != nil {
		return kafka.Message{}, err
	}
	rec := kafka.Message{Value: value, Headers: make([]kafka.Header, 0, msg.Len())}
	msg.Range(func(k, v string) bool {
		rec.Headers = append(rec.Headers, kafka.Header{Key: k, Value: []byte(v)})
		return true
	})
	if keyProperty != "" {
		if key, ok := msg.Property(keyProperty); ok {
			rec.Key = []byte(key)
		}
	}
	return rec, nil
}

// Receive produces msg to TopicOut.
func (m *Module) Receive(ctx context.Context, msg *message.Message) error {
	if m.writer == nil {
		return nil
	}
	rec, err := Encode(msg, m.cfg.KeyProperty)
	if err != nil {
		return fmt.Errorf("failed to encode kafka record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout.Duration())
	defer cancel()
	if err := m.writer.WriteMessages(ctx, rec); err != nil {
		return fmt.Errorf("failed to write kafka record: %w", err)
	}
	return nil
}

// Destroy stops consuming and closes both clients.
func (m *Module) Destroy() {
	m.worker.Stop()
	if m.reader != nil {
		if err := m.reader.Close(); err != nil {
			m.logger.Warn("failed to close kafka reader", "error", err)
		}
	}
	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			m.logger.Warn("failed to close kafka writer", "error", err)
		}
	}
}
