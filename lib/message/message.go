// Package message provides the immutable value exchanged between gateway modules.
//
// A Message carries a string property map and an opaque byte payload. The payload is
// shared by every clone of a message and is reference counted: it is released when the
// last message referencing it is released.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var (
	// ErrInvalidArgument is returned for malformed inputs to message constructors.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMalformedMessage is returned when a serialized message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// content is the payload buffer shared between clones.
type content struct {
	data []byte
	refs atomic.Int32
}

func (c *content) acquire() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *content) release() {
	if c.refs.Add(-1) == 0 {
		c.data = nil
	}
}

// Message is an immutable set of properties plus a shared payload.
// The zero value is not usable; build messages with New or Adopt.
type Message struct {
	properties map[string]string
	content    *content
	released   atomic.Bool
}

// New creates a message from a copy of properties and a copy of payload.
// A nil or empty payload is valid.
func New(properties map[string]string, payload []byte) (*Message, error) {
	var data []byte
	if len(payload) > 0 {
		data = bytes.Clone(payload)
	}
	return Adopt(properties, data)
}

// Adopt creates a message that takes ownership of payload.
// The caller must not modify payload afterwards.
func Adopt(properties map[string]string, payload []byte) (*Message, error) {
	props := make(map[string]string, len(properties))
	for k, v := range properties {
		if err := validateProperty(k, v); err != nil {
			return nil, err
		}
		props[k] = v
	}

	c := &content{data: payload}
	c.refs.Store(1)

	return &Message{properties: props, content: c}, nil
}

// ValidateProperty reports whether key and value can be stored as a property: the key is
// non-empty and both are valid UTF-8 without NUL bytes.
func ValidateProperty(key, value string) error {
	return validateProperty(key, value)
}

func validateProperty(key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty property key", ErrInvalidArgument)
	}
	if !utf8.ValidString(key) || strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: property key %q is not a valid string", ErrInvalidArgument, key)
	}
	if !utf8.ValidString(value) || strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: value of property %q is not a valid string", ErrInvalidArgument, key)
	}
	return nil
}

// Clone returns a new message sharing this message's payload.
// The clone owns its own copy of the property map and must be released separately.
func (m *Message) Clone() (*Message, error) {
	if m == nil || m.released.Load() || !m.content.acquire() {
		return nil, fmt.Errorf("%w: clone of released message", ErrInvalidArgument)
	}
	return &Message{properties: maps.Clone(m.properties), content: m.content}, nil
}

// Release drops this message's reference to the payload. It is safe to call more than once.
func (m *Message) Release() {
	if m == nil || !m.released.CompareAndSwap(false, true) {
		return
	}
	m.content.release()
}

// Released reports whether Release has been called on this message.
func (m *Message) Released() bool {
	return m == nil || m.released.Load()
}

// Refs returns the number of live messages sharing this message's payload.
func (m *Message) Refs() int {
	if m == nil {
		return 0
	}
	return int(m.content.refs.Load())
}

// Content returns a read-only view of the payload. The slice must not be modified.
// A released message has no content.
func (m *Message) Content() []byte {
	if m.Released() {
		return nil
	}
	return m.content.data
}

// Property returns the value stored under key.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// Properties returns a copy of the property map.
func (m *Message) Properties() map[string]string {
	return maps.Clone(m.properties)
}

// Len returns the number of properties.
func (m *Message) Len() int {
	return len(m.properties)
}

// Range calls fn for every property until fn returns false.
func (m *Message) Range(fn func(key, value string) bool) {
	for k, v := range m.properties {
		if !fn(k, v) {
			return
		}
	}
}

// Equal reports whether a and b carry the same properties and payload bytes.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return maps.Equal(a.properties, b.properties) && bytes.Equal(a.Content(), b.Content())
}

// String returns a short description suitable for logs.
func (m *Message) String() string {
	if m == nil {
		return "<nil message>"
	}
	return fmt.Sprintf("message(properties=%d, content=%d bytes)", len(m.properties), len(m.Content()))
}
