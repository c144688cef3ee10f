// Package sensor is a simulated device that publishes telemetry.
//
// Every period the module publishes a Telemetry reading with the properties
// source=sensor and deviceName set to the configured device. Readings are JSON by
// default; with encoding "protobuf" they are a google.protobuf.Struct. It obeys "pause" and
// "resume" commands: messages whose deviceName matches and whose command property
// names the action.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

const (
	PropertySource     = "source"
	PropertyDeviceName = "deviceName"
	PropertyCommand    = "command"

	SourceValue = "sensor"

	CommandPause  = "pause"
	CommandResume = "resume"

	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// Telemetry is one simulated reading.
type Telemetry struct {
	DeviceID    string    `json:"deviceId"`
	Sequence    uint64    `json:"sequence"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Time        time.Time `json:"time"`
}

// Codec encodes Telemetry as JSON message content.
var Codec = message.JSONCodec[Telemetry]()

var structCodec = message.ProtobufCodec(func() *structpb.Struct { return new(structpb.Struct) })

// ProtoCodec encodes Telemetry as a protobuf Struct keyed by the JSON field names.
var ProtoCodec = message.Codec[Telemetry]{
	ContentType: structCodec.ContentType,
	Marshal: func(t Telemetry) ([]byte, error) {
		return structCodec.Marshal(t.Struct())
	},
	Unmarshal: func(data []byte) (Telemetry, error) {
		s, err := structCodec.Unmarshal(data)
		if err != nil {
			return Telemetry{}, err
		}
		return telemetryFromStruct(s)
	},
}

// Struct returns t as a protobuf Struct.
func (t Telemetry) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"deviceId":    structpb.NewStringValue(t.DeviceID),
		"sequence":    structpb.NewNumberValue(float64(t.Sequence)),
		"temperature": structpb.NewNumberValue(t.Temperature),
		"humidity":    structpb.NewNumberValue(t.Humidity),
		"time":        structpb.NewStringValue(t.Time.Format(time.RFC3339Nano)),
	}}
}

func telemetryFromStruct(s *structpb.Struct) (Telemetry, error) {
	f := s.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	if err != nil {
		return Telemetry{}, fmt.Errorf("invalid telemetry time: %w", err)
	}
	return Telemetry{
		DeviceID:    f["deviceId"].GetStringValue(),
		Sequence:    uint64(f["sequence"].GetNumberValue()),
		Temperature: f["temperature"].GetNumberValue(),
		Humidity:    f["humidity"].GetNumberValue(),
		Time:        ts,
	}, nil
}

// DecodeTelemetry decodes a reading published in either encoding, chosen by the
// content-type property.
func DecodeTelemetry(msg *message.Message) (Telemetry, error) {
	if ct, _ := msg.Property(message.ContentTypeProperty); ct == ProtoCodec.ContentType {
		return ProtoCodec.Decode(msg)
	}
	return Codec.Decode(msg)
}

// Config configures the simulated device.
type Config struct {
	DeviceID string          `json:"deviceId"`
	Period   config.Duration `json:"period"`
	// BaseTemperature is the centre of the simulated temperature wave.
	BaseTemperature float64 `json:"baseTemperature"`
	Seed            uint64  `json:"seed"`
	// Encoding is "json" or "protobuf". Empty means json.
	Encoding string `json:"encoding"`
}

// DefaultConfig publishes every second around 21 degrees.
func DefaultConfig() Config {
	return Config{Period: config.Duration(time.Second), BaseTemperature: 21}
}

// APIs registers the module under the "sensor" loader.
var APIs = module.Define("sensor", DefaultConfig, func(b module.Broker, cfg Config) (broker.Module, error) {
	return New(b, cfg)
})

// Module is a simulated device.
type Module struct {
	module.Label

	b      module.Broker
	cfg    Config
	codec  message.Codec[Telemetry]
	worker *module.Worker
	logger *slog.Logger

	paused atomic.Bool
	seq    atomic.Uint64

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and creates a stopped device.
func New(b module.Broker, cfg Config) (*Module, error) {
	if b == nil {
		return nil, fmt.Errorf("sensor module needs a broker")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: sensor deviceId is required", module.ErrInvalidConfig)
	}
	if cfg.Period.Duration() <= 0 {
		return nil, fmt.Errorf("%w: sensor period must be positive", module.ErrInvalidConfig)
	}
	codec := Codec
	switch cfg.Encoding {
	case "", EncodingJSON:
	case EncodingProtobuf:
		codec = ProtoCodec
	default:
		return nil, fmt.Errorf("%w: unknown sensor encoding %q", module.ErrInvalidConfig, cfg.Encoding)
	}
	return &Module{
		b:      b,
		cfg:    cfg,
		codec:  codec,
		worker: module.NewWorker(context.Background()),
		logger: slog.Default().With("module", "sensor", "device", cfg.DeviceID),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (m *Module) Name() string { return m.NameOr("sensor/" + m.cfg.DeviceID) }

// Start begins publishing readings.
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
		case now := <-ticker.C:
			if m.paused.Load() {
				continue
			}
			if err := m.publish(now); err != nil {
				m.logger.Warn("failed to publish telemetry", "error", err)
			}
		}
	}
}

// Reading produces the next simulated reading.
func (m *Module) Reading(now time.Time) Telemetry {
	seq := m.seq.Add(1)

	m.mu.Lock()
	noise := m.rng.NormFloat64()
	humidity := 40 + m.rng.Float64()*20
	m.mu.Unlock()

	wave := 3 * math.Sin(float64(seq)/10)
	return Telemetry{
		DeviceID:    m.cfg.DeviceID,
		Sequence:    seq,
		Temperature: math.Round((m.cfg.BaseTemperature+wave+noise*0.2)*100) / 100,
		Humidity:    math.Round(humidity*100) / 100,
		Time:        now.UTC(),
	}
}

func (m *Module) publish(now time.Time) error {
	msg, err := m.codec.Encode(map[string]string{
		PropertySource:     SourceValue,
		PropertyDeviceName: m.cfg.DeviceID,
	}, m.Reading(now))
	if err != nil {
		return err
	}
	defer msg.Release()
	return m.b.Publish(m, msg)
}

// Receive handles pause and resume commands addressed to this device.
func (m *Module) Receive(_ context.Context, msg *message.Message) error {
	if name, _ := msg.Property(PropertyDeviceName); name != m.cfg.DeviceID {
		return nil
	}
	if src, _ := msg.Property(PropertySource); src == SourceValue {
		return nil
	}

	cmd, ok := msg.Property(PropertyCommand)
	if !ok {
		return nil
	}
	switch cmd {
	case CommandPause:
		m.paused.Store(true)
	case CommandResume:
		m.paused.Store(false)
	default:
		return fmt.Errorf("unknown sensor command %q", cmd)
	}
	m.logger.Info("sensor command applied", "command", cmd)
	return nil
}

// Paused reports whether publishing is suspended by a command.
func (m *Module) Paused() bool {
	return m.paused.Load()
}

// Destroy stops the device.
func (m *Module) Destroy() {
	m.worker.Stop()
}
