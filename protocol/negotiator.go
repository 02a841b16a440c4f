package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
)

// ErrNegotiatorUsed is returned when Negotiate is called twice on one Negotiator.
var ErrNegotiatorUsed = errors.New("negotiator already used")

// Capability tells the negotiator how a transport carries the greeting.
type Capability uint8

const (
	// Greeting bytes are written directly on a byte stream.
	StreamOriented Capability = iota
	// Greeting bytes travel as the payload of a frame with GreetingTypeID.
	QueueOriented
)

// Channel is the connection side a Negotiator talks over. Its Capability decides whether
// it must also implement StreamChannel or QueueChannel.
type Channel interface {
	Capability() Capability
}

type StreamChannel interface {
	Channel
	io.ReadWriter
	ReadTimeout() time.Duration
	WriteTimeout() time.Duration
	SetReadTimeout(time.Duration)
	SetWriteTimeout(time.Duration)
}

type QueueChannel interface {
	Channel
	EnqueueFrame(ctx context.Context, f *MessageFrame) error
	DequeueFrame(ctx context.Context) (*MessageFrame, error)
}

type NegotiatorState int32

const (
	Idle NegotiatorState = iota
	GreetingSent
	AwaitingRemoteGreeting
	Verified
	Failed
)

func (s NegotiatorState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case GreetingSent:
		return "GreetingSent"
	case AwaitingRemoteGreeting:
		return "AwaitingRemoteGreeting"
	case Verified:
		return "Verified"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("NegotiatorState(%d)", int32(s))
	}
}

/*
Negotiator drives the greeting exchange of one connection attempt:

	Idle -> GreetingSent -> AwaitingRemoteGreeting -> Verified | Failed

It is single-use; a second call to Negotiate fails with ErrNegotiatorUsed.
*/
type Negotiator struct {
	local   NodeType
	allowed []NodeType

	started concurrent.AtomicBool
	state   atomic.Int32
	remote  atomic.Int32
}

// NewNegotiator creates a negotiator for a local node of type local. Without an explicit
// allow-list, AllowedPeers(local) is used.
func NewNegotiator(local NodeType, allowed ...NodeType) *Negotiator {
	if len(allowed) == 0 {
		allowed = AllowedPeers(local)
	}
	n := &Negotiator{local: local, allowed: allowed}
	n.remote.Store(-1)
	return n
}

func (n *Negotiator) State() NegotiatorState {
	return NegotiatorState(n.state.Load())
}

// Remote returns the verified remote role; ok is false before verification.
func (n *Negotiator) Remote() (t NodeType, ok bool) {
	r := n.remote.Load()
	if r < 0 || n.State() != Verified {
		return 0, false
	}
	return NodeType(r), true
}

func (n *Negotiator) accepts(t NodeType) bool {
	for _, a := range n.allowed {
		if a == t {
			return true
		}
	}
	return false
}

/*
Negotiate sends the local greeting, reads the remote greeting and checks the remote role
against the allow-list. The exchange is bounded by timeout (if > 0) and ctx.

Stream channels get their read/write timeouts overridden for the exchange; the original
values are restored on every exit path.
*/
func (n *Negotiator) Negotiate(ctx context.Context, ch Channel, timeout time.Duration) (NodeType, error) {
	if n.started.Set(true) {
		return 0, clustermq.WrapError(clustermq.ErrProtocol, "negotiate", ErrNegotiatorUsed)
	}

	remote, err := n.negotiate(ctx, ch, timeout)
	if err != nil {
		n.state.Store(int32(Failed))
		return 0, err
	}
	n.remote.Store(int32(remote))
	n.state.Store(int32(Verified))
	return remote, nil
}

func (n *Negotiator) negotiate(ctx context.Context, ch Channel, timeout time.Duration) (NodeType, error) {
	if ch == nil {
		return 0, clustermq.NewError(clustermq.ErrInvalidArgument, "negotiate", "nil channel")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var g Greeting
	var err error
	switch ch.Capability() {
	case StreamOriented:
		sc, ok := ch.(StreamChannel)
		if !ok {
			return 0, clustermq.NewError(clustermq.ErrInvalidArgument, "negotiate", "stream-oriented channel without stream methods")
		}
		g, err = n.overStream(ctx, sc, timeout)
	case QueueOriented:
		qc, ok := ch.(QueueChannel)
		if !ok {
			return 0, clustermq.NewError(clustermq.ErrInvalidArgument, "negotiate", "queue-oriented channel without queue methods")
		}
		g, err = n.overQueue(ctx, qc)
	default:
		return 0, clustermq.NewError(clustermq.ErrInvalidArgument, "negotiate", "unknown channel capability")
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, clustermq.ErrTimeout) {
			return 0, clustermq.WrapError(clustermq.ErrTimeout, "negotiate", err)
		}
		return 0, err
	}

	if !n.accepts(g.NodeType) {
		return 0, clustermq.NewError(clustermq.ErrProtocol, "negotiate",
			fmt.Sprintf("%s received greeting from %s, expected one of %v", n.local, g.NodeType, n.allowed))
	}
	return g.NodeType, nil
}

func (n *Negotiator) overStream(ctx context.Context, sc StreamChannel, timeout time.Duration) (Greeting, error) {
	if timeout > 0 {
		oldRead, oldWrite := sc.ReadTimeout(), sc.WriteTimeout()
		sc.SetReadTimeout(timeout)
		sc.SetWriteTimeout(timeout)
		defer func() {
			sc.SetReadTimeout(oldRead)
			sc.SetWriteTimeout(oldWrite)
		}()
	}

	if err := ctx.Err(); err != nil {
		return Greeting{}, err
	}
	if err := WriteGreeting(sc, NewGreeting(n.local)); err != nil {
		return Greeting{}, readError(ctx, "write greeting", err)
	}
	n.state.Store(int32(GreetingSent))

	if err := ctx.Err(); err != nil {
		return Greeting{}, err
	}
	n.state.Store(int32(AwaitingRemoteGreeting))
	return ReadGreeting(sc)
}

func (n *Negotiator) overQueue(ctx context.Context, qc QueueChannel) (Greeting, error) {
	if err := qc.EnqueueFrame(ctx, GreetingFrame(NewGreeting(n.local))); err != nil {
		return Greeting{}, err
	}
	n.state.Store(int32(GreetingSent))

	n.state.Store(int32(AwaitingRemoteGreeting))
	f, err := qc.DequeueFrame(ctx)
	if err != nil {
		return Greeting{}, err
	}
	if f.TypeID != GreetingTypeID {
		return Greeting{}, clustermq.NewError(clustermq.ErrProtocol, "negotiate",
			fmt.Sprintf("expected greeting frame, got type id %d", f.TypeID))
	}
	return DeserializeGreeting(f.Raw)
}
