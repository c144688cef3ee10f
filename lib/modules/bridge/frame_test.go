package bridge

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"ready", Frame{Type: FrameReady}},
		{"message", Frame{Type: FrameMessage, Payload: []byte{0xA1, 0x60, 0x47, 0x57, 0x01}}},
		{"error", Frame{Type: FrameError, Payload: []byte("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary failed: %v", err)
			}
			if len(data) != frameHeaderSize+len(tt.frame.Payload) {
				t.Errorf("Expected %d bytes, got %d", frameHeaderSize+len(tt.frame.Payload), len(data))
			}

			got, err := ReadFrame(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if got.Type != tt.frame.Type {
				t.Errorf("Expected type %s, got %s", tt.frame.Type, got.Type)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Expected payload %x, got %x", tt.frame.Payload, got.Payload)
			}
		})
	}
}

func TestFrame_Layout(t *testing.T) {
	data, err := Frame{Type: FrameMessage, Payload: []byte{0xAA, 0xBB}}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	expected := []byte{0x02, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(data, expected) {
		t.Errorf("Expected %x, got %x", expected, data)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, io.EOF},
		{"short header", []byte{0x02, 0x00}, io.ErrUnexpectedEOF},
		{"short payload", []byte{0x02, 0x00, 0x00, 0x00, 0x04, 0xAA}, io.ErrUnexpectedEOF},
		{"too large", []byte{0x02, 0xFF, 0xFF, 0xFF, 0xFF}, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFrame_TooLargeToMarshal(t *testing.T) {
	_, err := Frame{Type: FrameMessage, Payload: make([]byte, MaxFramePayload+1)}.MarshalBinary()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameType_String(t *testing.T) {
	if FrameShutdownAck.String() != "ShutdownAck" {
		t.Errorf("Expected ShutdownAck, got %s", FrameShutdownAck)
	}
	if FrameType(0x7F).String() != "Unknown" {
		t.Errorf("Expected Unknown, got %s", FrameType(0x7F))
	}
}
