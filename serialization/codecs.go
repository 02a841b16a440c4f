package serialization

import (
	"fmt"

	pb "github.com/gogo/protobuf/proto"
	"github.com/vmihailenco/msgpack/v5"
)

// RegisterProto registers a protocol buffer message type. newMsg must return a fresh,
// empty message to unmarshal into.
func RegisterProto[T pb.Message](r *Registry, id uint16, newMsg func() T) error {
	return r.Register(id, newMsg(),
		func(msg any) ([]byte, error) {
			m, ok := msg.(T)
			if !ok {
				return nil, fmt.Errorf("expected %T, got %T", *new(T), msg)
			}
			return pb.Marshal(m)
		},
		func(raw []byte) (any, error) {
			m := newMsg()
			if err := pb.Unmarshal(raw, m); err != nil {
				return nil, err
			}
			return m, nil
		})
}

// RegisterMsgpack registers T, encoded with msgpack. Messages are decoded as values of T.
func RegisterMsgpack[T any](r *Registry, id uint16) error {
	var sample T
	return r.Register(id, sample,
		func(msg any) ([]byte, error) {
			return msgpack.Marshal(msg)
		},
		func(raw []byte) (any, error) {
			var m T
			if err := msgpack.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
			return m, nil
		})
}

// RegisterBytes registers []byte as an opaque payload.
func RegisterBytes(r *Registry, id uint16) error {
	return r.Register(id, []byte(nil),
		func(msg any) ([]byte, error) {
			b := msg.([]byte)
			if b == nil {
				b = []byte{}
			}
			return b, nil
		},
		func(raw []byte) (any, error) {
			return raw, nil
		})
}

// RegisterString registers string, encoded as UTF-8 bytes.
func RegisterString(r *Registry, id uint16) error {
	return r.Register(id, "",
		func(msg any) ([]byte, error) {
			return []byte(msg.(string)), nil
		},
		func(raw []byte) (any, error) {
			return string(raw), nil
		})
}
