package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		props   map[string]string
		payload []byte
	}{
		{"Empty", nil, nil},
		{"Properties only", map[string]string{"source": "mapping", "deviceName": "dev-1"}, nil},
		{"Content only", nil, []byte{0xAA, 0xBB}},
		{"Both", map[string]string{"p1": "v1"}, []byte("hello world")},
		{"Unicode", map[string]string{"온도": "섭씨", "Key": "value"}, []byte("ünïcödé")},
		{"Case sensitive keys", map[string]string{"key": "a", "KEY": "b"}, []byte{0}},
		{"Empty value", map[string]string{"k": ""}, []byte{}},
		{"Large content", map[string]string{"k": "v"}, bytes.Repeat([]byte{0x5A}, 64*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := New(tc.props, tc.payload)
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer msg.Release()

			data, err := msg.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() failed: %v", err)
			}

			decoded, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() failed: %v", err)
			}
			defer decoded.Release()

			if !Equal(msg, decoded) {
				t.Errorf("Round trip mismatch: got %v props=%v, want props=%v", decoded, decoded.Properties(), tc.props)
			}

			again, err := decoded.MarshalBinary()
			if err != nil {
				t.Fatalf("second MarshalBinary() failed: %v", err)
			}
			if !bytes.Equal(data, again) {
				t.Error("Re-encoding a decoded message should produce identical bytes")
			}
		})
	}
}

func TestMarshalBinary_Layout(t *testing.T) {
	msg, _ := New(map[string]string{"p1": "v1"}, []byte{0xAA, 0xBB})
	defer msg.Release()

	data, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() failed: %v", err)
	}

	want := []byte{0xA1, 0x60, 0x47, 0x57, 0x01}
	want = binary.LittleEndian.AppendUint32(want, 1)
	want = binary.LittleEndian.AppendUint32(want, 2)
	want = append(want, "p1"...)
	want = binary.LittleEndian.AppendUint32(want, 2)
	want = append(want, "v1"...)
	want = binary.LittleEndian.AppendUint32(want, 2)
	want = append(want, 0xAA, 0xBB)

	if !bytes.Equal(data, want) {
		t.Errorf("Unexpected layout:\n got % X\nwant % X", data, want)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	msg, _ := New(map[string]string{"p1": "v1"}, []byte{0xAA, 0xBB})
	valid, _ := msg.MarshalBinary()
	msg.Release()

	mutate := func(f func([]byte) []byte) []byte {
		return f(bytes.Clone(valid))
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"Empty buffer", nil},
		{"Short magic", valid[:2]},
		{"Bad magic", mutate(func(b []byte) []byte { b[0] = 0x00; return b })},
		{"Unsupported version", mutate(func(b []byte) []byte { b[4] = 0x02; return b })},
		{"Missing count", valid[:5]},
		{"Huge property count", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[5:], 0xFFFFFFFF)
			return b
		})},
		{"Key length beyond buffer", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[9:], 1000)
			return b
		})},
		{"Truncated value", valid[:17]},
		{"Content length beyond buffer", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[len(b)-6:], 3)
			return b
		})},
		{"Truncated content", valid[:len(valid)-1]},
		{"Trailing bytes", append(bytes.Clone(valid), 0x00)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.data)
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestUnmarshal_DuplicateKey(t *testing.T) {
	data := append([]byte{}, Magic[:]...)
	data = append(data, Version)
	data = binary.LittleEndian.AppendUint32(data, 2)
	for i := 0; i < 2; i++ {
		data = binary.LittleEndian.AppendUint32(data, 1)
		data = append(data, 'k')
		data = binary.LittleEndian.AppendUint32(data, 1)
		data = append(data, 'v')
	}
	data = binary.LittleEndian.AppendUint32(data, 0)

	if _, err := Unmarshal(data); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Expected ErrMalformedMessage for duplicate key, got %v", err)
	}
}

func TestUnmarshalBinary_Interface(t *testing.T) {
	msg, _ := New(map[string]string{"a": "b"}, []byte("c"))
	defer msg.Release()
	data, _ := msg.MarshalBinary()

	var decoded Message
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() failed: %v", err)
	}
	if !Equal(msg, &decoded) {
		t.Error("UnmarshalBinary result differs from original")
	}
}

func TestMarshalBinary_Released(t *testing.T) {
	msg, _ := New(nil, []byte("x"))
	msg.Release()

	if _, err := msg.MarshalBinary(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}
