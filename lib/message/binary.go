package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Magic is the marker every serialized message starts with.
var Magic = [4]byte{0xA1, 0x60, 0x47, 0x57}

// Version is the only wire format version this package reads and writes.
const Version byte = 0x01

const headerSize = len(Magic) + 1 + 4

// MarshalBinary encodes the message as
//
//	magic(4) version(1) count(u32) {keyLen(u32) key valLen(u32) val}* contentLen(u32) content
//
// with all integers little-endian. Properties are written in key order so equal
// messages encode to equal bytes.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m.Released() {
		return nil, fmt.Errorf("%w: marshal of released message", ErrInvalidArgument)
	}

	keys := make([]string, 0, len(m.properties))
	size := headerSize + 4 + len(m.content.data)
	for k, v := range m.properties {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)

	var buffer bytes.Buffer
	buffer.Grow(size)

	buffer.Write(Magic[:])
	buffer.WriteByte(Version)

	if err := binary.Write(&buffer, binary.LittleEndian, uint32(len(keys))); err != nil {
		return nil, fmt.Errorf("failed to write property count: %w", err)
	}

	for _, k := range keys {
		if err := writeString(&buffer, k); err != nil {
			return nil, fmt.Errorf("failed to write property key: %w", err)
		}
		if err := writeString(&buffer, m.properties[k]); err != nil {
			return nil, fmt.Errorf("failed to write value of %q: %w", k, err)
		}
	}

	data := m.content.data
	if err := binary.Write(&buffer, binary.LittleEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("failed to write content length: %w", err)
	}
	buffer.Write(data)

	return buffer.Bytes(), nil
}

func writeString(w *bytes.Buffer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

// Unmarshal decodes a message produced by MarshalBinary. The returned message owns a
// copy of the content bytes. Any structural problem yields ErrMalformedMessage.
func Unmarshal(data []byte) (*Message, error) {
	reader := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(reader, magic[:]); err != nil {
		return nil, malformed("failed to read magic: %v", err)
	}
	if magic != Magic {
		return nil, malformed("bad magic % x", magic[:])
	}

	version, err := reader.ReadByte()
	if err != nil {
		return nil, malformed("failed to read version: %v", err)
	}
	if version != Version {
		return nil, malformed("unsupported version %d", version)
	}

	count, err := readLength(reader)
	if err != nil {
		return nil, malformed("failed to read property count: %v", err)
	}
	// every property needs at least two length prefixes
	if uint64(count)*8 > uint64(reader.Len()) {
		return nil, malformed("property count %d exceeds buffer", count)
	}

	props := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(reader)
		if err != nil {
			return nil, malformed("failed to read key of property %d: %v", i, err)
		}
		value, err := readString(reader)
		if err != nil {
			return nil, malformed("failed to read value of property %q: %v", key, err)
		}
		if _, dup := props[key]; dup {
			return nil, malformed("duplicate property %q", key)
		}
		props[key] = value
	}

	size, err := readLength(reader)
	if err != nil {
		return nil, malformed("failed to read content length: %v", err)
	}
	if uint64(size) > uint64(reader.Len()) {
		return nil, malformed("content length %d exceeds remaining %d bytes", size, reader.Len())
	}

	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, malformed("failed to read content: %v", err)
		}
	}

	if reader.Len() != 0 {
		return nil, malformed("%d trailing bytes", reader.Len())
	}

	msg, err := Adopt(props, payload)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return msg, nil
}

// UnmarshalBinary is Unmarshal in the encoding.BinaryUnmarshaler shape. It must only be
// called on a fresh zero Message.
func (m *Message) UnmarshalBinary(data []byte) error {
	decoded, err := Unmarshal(data)
	if err != nil {
		return err
	}
	m.properties = decoded.properties
	m.content = decoded.content
	return nil
}

func readLength(r *bytes.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		return "", fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedMessage}, args...)...)
}
