package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/protocol"
)

type Kind uint8

const (
	InProcess Kind = iota
	Tcp
	Zmq
)

func (k Kind) String() string {
	switch k {
	case InProcess:
		return "inproc"
	case Tcp:
		return "tcp"
	case Zmq:
		return "zmq"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

/*
Endpoint identifies a bind or connect target. It is comparable and used as a map key by
binders to refuse a second bind on the same endpoint.

	transport.TCPEndpoint("localhost", 9000)
	transport.InProcEndpoint("jobs")
*/
type Endpoint struct {
	Transport Kind
	Host      string
	Port      int
	Path      string
}

func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Transport: Tcp, Host: host, Port: port}
}

func InProcEndpoint(path string) Endpoint {
	return Endpoint{Transport: InProcess, Path: path}
}

func ZmqEndpoint(host string, port int) Endpoint {
	return Endpoint{Transport: Zmq, Host: host, Port: port}
}

// HostPort returns host:port, for network transports.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Transport == InProcess {
		return fmt.Sprintf("%s://%s", e.Transport, e.Path)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s://%s/%s", e.Transport, e.HostPort(), e.Path)
	}
	return fmt.Sprintf("%s://%s", e.Transport, e.HostPort())
}

// Options are the per-connection settings used by drivers.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxFrameSize   int
}

func OptionsFrom(c config.Options) Options {
	return Options{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		SendBufferSize: c.SendBufferSize,
		MaxFrameSize:   c.MaxFrameSize,
	}
}

/*
Conn is one established connection. Depending on its Capability it also implements
protocol.StreamChannel or protocol.QueueChannel, which is what the greeting negotiator
uses; after the handshake, all traffic goes through ReadFrame and WriteFrames.

Done is closed by Close. Stream transports notice a remote disconnect on the next ReadFrame,
queue transports close both ends together.
*/
type Conn interface {
	protocol.Channel
	ID() string
	Endpoint() Endpoint
	RemoteAddr() string
	// ReadFrame must not be called concurrently with itself.
	ReadFrame(ctx context.Context) (*protocol.MessageFrame, error)
	// WriteFrames writes all frames at once; concurrent calls are serialized.
	WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error
	Close() error
	Done() <-chan struct{}
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	// Endpoint returns the bound endpoint, with the actual port for port 0 binds.
	Endpoint() Endpoint
	Close() error
}

type Driver interface {
	Listen(ctx context.Context, ep Endpoint, opts Options) (Listener, error)
	Dial(ctx context.Context, ep Endpoint, opts Options) (Conn, error)
}

var (
	driversMu sync.RWMutex
	drivers   = map[Kind]Driver{}
)

// RegisterDriver makes a driver available for endpoints of kind k, replacing any previous one.
func RegisterDriver(k Kind, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[k] = d
}

func driver(k Kind) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[k]
	if !ok {
		return nil, clustermq.NewError(clustermq.ErrInvalidArgument, "transport",
			fmt.Sprintf("no driver for transport %s", k))
	}
	return d, nil
}

func Listen(ctx context.Context, ep Endpoint, opts Options) (Listener, error) {
	d, err := driver(ep.Transport)
	if err != nil {
		return nil, err
	}
	return d.Listen(ctx, ep, opts)
}

func Dial(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	d, err := driver(ep.Transport)
	if err != nil {
		return nil, err
	}
	return d.Dial(ctx, ep, opts)
}

func init() {
	RegisterDriver(Tcp, tcpDriver{})
	RegisterDriver(InProcess, defaultInProc)
}
