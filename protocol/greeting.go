package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dermesser/clustermq"
)

// ProtocolVersion is the only greeting version this implementation speaks.
const ProtocolVersion uint8 = 1

// greetingPayloadSize is the value of the greeting's length prefix.
const greetingPayloadSize = 2

// GreetingTypeID marks a frame carrying a greeting on queue-oriented transports.
const GreetingTypeID uint16 = 0xFFFF

// Distinct greeting rejections; all of them match clustermq.ErrProtocol.
var (
	ErrGreetingNil      = errors.New("greeting is nil")
	ErrGreetingTooShort = errors.New("greeting is too short")
	ErrGreetingVersion  = errors.New("unsupported greeting version")
)

// NodeType is the declared role of one side of a connection.
type NodeType uint8

const (
	Publisher NodeType = iota
	Subscriber
	Requester
	Responder
	ServiceQueue
	ServiceQueueReader
	ServiceQueueWriter
)

var nodeTypeNames = []string{"Publisher", "Subscriber", "Requester", "Responder",
	"ServiceQueue", "ServiceQueueReader", "ServiceQueueWriter"}

// NodeTypes lists every valid role.
func NodeTypes() []NodeType {
	return []NodeType{Publisher, Subscriber, Requester, Responder, ServiceQueue, ServiceQueueReader, ServiceQueueWriter}
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("NodeType(%d)", uint8(t))
}

func (t NodeType) Valid() bool {
	return int(t) < len(nodeTypeNames)
}

// AllowedPeers returns the roles a node of type t accepts on the other end.
func AllowedPeers(t NodeType) []NodeType {
	switch t {
	case Publisher:
		return []NodeType{Subscriber}
	case Subscriber:
		return []NodeType{Publisher}
	case Requester:
		return []NodeType{Responder}
	case Responder:
		return []NodeType{Requester}
	case ServiceQueue:
		return []NodeType{ServiceQueueReader, ServiceQueueWriter}
	case ServiceQueueReader, ServiceQueueWriter:
		return []NodeType{ServiceQueue}
	default:
		return nil
	}
}

// Greeting is exchanged once per connection before any frame traffic.
type Greeting struct {
	Version  uint8
	NodeType NodeType
}

func NewGreeting(t NodeType) Greeting {
	return Greeting{Version: ProtocolVersion, NodeType: t}
}

// Serialize returns [length=2][version][nodeType].
func (g Greeting) Serialize() []byte {
	return []byte{greetingPayloadSize, g.Version, byte(g.NodeType)}
}

func greetingError(cause error, msg string) error {
	return &clustermq.Error{Kind: clustermq.ErrProtocol, Op: "deserialize greeting", Message: msg, Err: cause}
}

// DeserializeGreeting parses the output of Serialize.
func DeserializeGreeting(b []byte) (Greeting, error) {
	if b == nil {
		return Greeting{}, greetingError(ErrGreetingNil, "")
	}
	if len(b) < 1+greetingPayloadSize || int(b[0]) < greetingPayloadSize {
		return Greeting{}, greetingError(ErrGreetingTooShort, fmt.Sprintf("%d bytes", len(b)))
	}
	g := Greeting{Version: b[1], NodeType: NodeType(b[2])}
	if g.Version != ProtocolVersion {
		return Greeting{}, greetingError(ErrGreetingVersion,
			fmt.Sprintf("got %d, want %d", g.Version, ProtocolVersion))
	}
	return g, nil
}

// WriteGreeting writes the serialized greeting in a single Write.
func WriteGreeting(w io.Writer, g Greeting) error {
	_, err := w.Write(g.Serialize())
	return err
}

// ReadGreeting reads the 1-byte length prefix and the greeting payload from a stream.
func ReadGreeting(r io.Reader) (Greeting, error) {
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return Greeting{}, readError(context.Background(), "read greeting", err)
	}
	if l[0] < greetingPayloadSize {
		return Greeting{}, greetingError(ErrGreetingTooShort, fmt.Sprintf("length prefix %d", l[0]))
	}
	buf := make([]byte, 1+int(l[0]))
	buf[0] = l[0]
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return Greeting{}, readError(context.Background(), "read greeting", err)
	}
	return DeserializeGreeting(buf)
}

// GreetingFrame wraps g for queue-oriented transports.
func GreetingFrame(g Greeting) *MessageFrame {
	return NewFrame(GreetingTypeID, g.Serialize())
}
