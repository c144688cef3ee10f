package message

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ContentTypeProperty names the property codecs use to label encoded content.
const ContentTypeProperty = "content-type"

// Codec converts between a Go value and message content.
type Codec[T any] struct {
	ContentType string
	Marshal     func(T) ([]byte, error)
	Unmarshal   func([]byte) (T, error)
}

// Encode builds a message whose content is v. The content-type property is set unless
// properties already carries one.
func (c Codec[T]) Encode(properties map[string]string, v T) (*Message, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s: failed to marshal content: %w", c.ContentType, err)
	}

	props := make(map[string]string, len(properties)+1)
	for k, val := range properties {
		props[k] = val
	}
	if _, ok := props[ContentTypeProperty]; !ok && c.ContentType != "" {
		props[ContentTypeProperty] = c.ContentType
	}

	return Adopt(props, data)
}

// Decode parses msg's content into a T.
func (c Codec[T]) Decode(msg *Message) (T, error) {
	var zero T
	if msg.Released() {
		return zero, fmt.Errorf("%w: decode of released message", ErrInvalidArgument)
	}
	v, err := c.Unmarshal(msg.Content())
	if err != nil {
		return zero, fmt.Errorf("codec %s: failed to unmarshal content: %w", c.ContentType, err)
	}
	return v, nil
}

// JSONCodec returns a Codec that stores T as JSON.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		ContentType: "application/json",
		Marshal: func(v T) ([]byte, error) {
			return json.Marshal(v)
		},
		Unmarshal: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	}
}

// ProtobufCodec returns a Codec that stores T in protobuf wire format.
// newInstance must return a fresh non-nil T, e.g. func() *pb.Reading { return new(pb.Reading) }.
func ProtobufCodec[T proto.Message](newInstance func() T) Codec[T] {
	return Codec[T]{
		ContentType: "application/x-protobuf",
		Marshal: func(v T) ([]byte, error) {
			return proto.Marshal(v)
		},
		Unmarshal: func(data []byte) (T, error) {
			instance := newInstance()
			if err := proto.Unmarshal(data, instance); err != nil {
				var zero T
				return zero, err
			}
			return instance, nil
		},
	}
}
