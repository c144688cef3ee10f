package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameType identifies a frame on the bridge stream.
type FrameType uint8

const (
	FrameReady       FrameType = 0x01 // backend is ready to receive
	FrameMessage     FrameType = 0x02 // payload is a message in wire format
	FrameShutdown    FrameType = 0x03 // host asks the backend to stop
	FrameShutdownAck FrameType = 0x04 // backend has stopped
	FrameError       FrameType = 0x05 // payload is an error text
)

// String returns the string representation of FrameType
func (t FrameType) String() string {
	switch t {
	case FrameReady:
		return "Ready"
	case FrameMessage:
		return "Message"
	case FrameShutdown:
		return "Shutdown"
	case FrameShutdownAck:
		return "ShutdownAck"
	case FrameError:
		return "Error"
	default:
		return "Unknown"
	}
}

// frameHeaderSize is one type byte and a big-endian payload length.
const frameHeaderSize = 5

// MaxFramePayload bounds a single frame.
const MaxFramePayload = 16 << 20

// ErrFrameTooLarge is returned for frames whose payload exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("bridge frame too large")

// Frame is one unit on the bridge stream.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// MarshalBinary encodes the frame.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	var buffer bytes.Buffer
	buffer.Grow(frameHeaderSize + len(f.Payload))
	buffer.WriteByte(byte(f.Type))
	if err := binary.Write(&buffer, binary.BigEndian, uint32(len(f.Payload))); err != nil {
		return nil, fmt.Errorf("failed to write payload length: %w", err)
	}
	buffer.Write(f.Payload)
	return buffer.Bytes(), nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	f := Frame{Type: FrameType(header[0])}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("failed to read frame payload: %w", io.ErrUnexpectedEOF)
		}
	}
	return f, nil
}

// frameWriter serializes frame writes from several goroutines.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(t FrameType, payload []byte) error {
	data, err := Frame{Type: t, Payload: payload}.MarshalBinary()
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", t, err)
	}
	return nil
}
