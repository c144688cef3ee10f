package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec[reading]()

	msg, err := codec.Encode(map[string]string{"deviceName": "dev-1"}, reading{Temperature: 21.5, Humidity: 40})
	require.NoError(t, err)
	defer msg.Release()

	ct, ok := msg.Property(ContentTypeProperty)
	require.True(t, ok)
	assert.Equal(t, "application/json", ct)
	assert.JSONEq(t, `{"temperature":21.5,"humidity":40}`, string(msg.Content()))

	got, err := codec.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, reading{Temperature: 21.5, Humidity: 40}, got)
}

func TestJSONCodec_KeepsExplicitContentType(t *testing.T) {
	codec := JSONCodec[map[string]int]()

	msg, err := codec.Encode(map[string]string{ContentTypeProperty: "application/vnd.sensor+json"}, map[string]int{"a": 1})
	require.NoError(t, err)
	defer msg.Release()

	ct, _ := msg.Property(ContentTypeProperty)
	assert.Equal(t, "application/vnd.sensor+json", ct)
}

func TestJSONCodec_DecodeError(t *testing.T) {
	msg, err := New(nil, []byte("not json"))
	require.NoError(t, err)
	defer msg.Release()

	_, err = JSONCodec[reading]().Decode(msg)
	assert.Error(t, err)
}

func TestProtobufCodec(t *testing.T) {
	codec := ProtobufCodec(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })

	msg, err := codec.Encode(nil, wrapperspb.String("hello world"))
	require.NoError(t, err)
	defer msg.Release()

	ct, _ := msg.Property(ContentTypeProperty)
	assert.Equal(t, "application/x-protobuf", ct)

	got, err := codec.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.GetValue())
}

func TestProtobufCodec_Struct(t *testing.T) {
	codec := ProtobufCodec(func() *structpb.Struct { return new(structpb.Struct) })

	in, err := structpb.NewStruct(map[string]any{"pin": "GPIO17", "value": 1.0})
	require.NoError(t, err)

	msg, err := codec.Encode(map[string]string{"source": "gpio"}, in)
	require.NoError(t, err)
	defer msg.Release()

	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	wire, err := Unmarshal(data)
	require.NoError(t, err)
	defer wire.Release()

	out, err := codec.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, "GPIO17", out.GetFields()["pin"].GetStringValue())
	assert.Equal(t, 1.0, out.GetFields()["value"].GetNumberValue())
}

func TestCodec_DecodeReleased(t *testing.T) {
	msg, _ := New(nil, []byte("{}"))
	msg.Release()

	_, err := JSONCodec[map[string]any]().Decode(msg)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
