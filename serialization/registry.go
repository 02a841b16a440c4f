package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/protocol"
)

// Returned (wrapped, with kind clustermq.ErrSerialization) when no function is registered.
var (
	ErrMissingSerializer   = errors.New("missing serializer")
	ErrMissingDeserializer = errors.New("missing deserializer")
)

type EncodeFunc func(msg any) ([]byte, error)
type DecodeFunc func(raw []byte) (any, error)

type entry struct {
	typ    reflect.Type
	encode EncodeFunc
	decode DecodeFunc
}

/*
Registry maps 16-bit message type ids to encode/decode functions, and concrete Go types to
their type id.

A Registry is meant to be filled once during setup and then shared by every component that
sends or receives messages. Registration is a plain overwrite by id. Lookups are lock-free.
*/
type Registry struct {
	slots [1 << 16]atomic.Pointer[entry]
	// reflect.Type -> uint16
	ids sync.Map
}

func NewRegistry() *Registry {
	return new(Registry)
}

/*
Register installs encode/decode for messages of sample's concrete type under id. Either
function may be nil for one-directional use (e.g. a subscriber only needs decode).
Registering an id again replaces the previous entry.
*/
func (r *Registry) Register(id uint16, sample any, encode EncodeFunc, decode DecodeFunc) error {
	if id == protocol.GreetingTypeID {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "register", "type id 0xFFFF is reserved for greetings")
	}
	e := &entry{encode: encode, decode: decode}
	if sample != nil {
		e.typ = reflect.TypeOf(sample)
	}
	if old := r.slots[id].Swap(e); old != nil && old.typ != nil {
		r.ids.CompareAndDelete(old.typ, id)
	}
	if e.typ != nil {
		r.ids.Store(e.typ, id)
	}
	return nil
}

// TypeID returns the id registered for msg's concrete type.
func (r *Registry) TypeID(msg any) (uint16, bool) {
	if msg == nil {
		return 0, false
	}
	id, ok := r.ids.Load(reflect.TypeOf(msg))
	if !ok {
		return 0, false
	}
	return id.(uint16), true
}

// Serialize encodes msg into a frame carrying its registered type id.
func (r *Registry) Serialize(msg any) (*protocol.MessageFrame, error) {
	id, ok := r.TypeID(msg)
	if !ok {
		return nil, &clustermq.Error{Kind: clustermq.ErrSerialization, Op: "serialize",
			Message: fmt.Sprintf("type %T", msg), Err: ErrMissingSerializer}
	}
	return r.SerializeAs(id, msg)
}

// SerializeAs encodes msg with the function registered under id.
func (r *Registry) SerializeAs(id uint16, msg any) (*protocol.MessageFrame, error) {
	e := r.slots[id].Load()
	if e == nil || e.encode == nil {
		return nil, &clustermq.Error{Kind: clustermq.ErrSerialization, Op: "serialize",
			Message: fmt.Sprintf("type id %d", id), Err: ErrMissingSerializer}
	}
	raw, err := e.encode(msg)
	if err != nil {
		return nil, clustermq.WrapError(clustermq.ErrSerialization, "serialize", err)
	}
	return protocol.NewFrame(id, raw), nil
}

// Deserialize decodes f with the function registered under its type id.
func (r *Registry) Deserialize(f *protocol.MessageFrame) (any, error) {
	if f == nil {
		return nil, clustermq.NewError(clustermq.ErrInvalidArgument, "deserialize", "nil frame")
	}
	e := r.slots[f.TypeID].Load()
	if e == nil || e.decode == nil {
		return nil, &clustermq.Error{Kind: clustermq.ErrSerialization, Op: "deserialize",
			Message: fmt.Sprintf("type id %d", f.TypeID), Err: ErrMissingDeserializer}
	}
	msg, err := e.decode(f.Raw)
	if err != nil {
		return nil, clustermq.WrapError(clustermq.ErrSerialization, "deserialize", err)
	}
	return msg, nil
}

// SerializeAll encodes a batch, failing on the first message without serializer.
func (r *Registry) SerializeAll(msgs []any) ([]*protocol.MessageFrame, error) {
	frames := make([]*protocol.MessageFrame, 0, len(msgs))
	for _, m := range msgs {
		f, err := r.Serialize(m)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}
