package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dermesser/clustermq"
)

// HeaderSize is the size of the frame header: uint16 type id + int32 length.
const HeaderSize = 6

// DefaultMaxFrameSize bounds the payload length accepted by ReadFrame.
const DefaultMaxFrameSize = 64 << 20

/*
MessageFrame is the transport-agnostic envelope of one serialized message. Raw is
never nil for a frame that is queued or written; an empty payload is []byte{}.
*/
type MessageFrame struct {
	TypeID uint16
	Raw    []byte
	// Informational only.
	Sent, Received time.Time
}

func NewFrame(typeID uint16, raw []byte) *MessageFrame {
	if raw == nil {
		raw = []byte{}
	}
	return &MessageFrame{TypeID: typeID, Raw: raw, Sent: time.Now()}
}

// Size of the encoded frame on the wire.
func (f *MessageFrame) WireSize() int {
	return HeaderSize + len(f.Raw)
}

// AppendFrame appends the wire encoding of f to buf.
func AppendFrame(buf []byte, f *MessageFrame) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], f.TypeID)
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(int32(len(f.Raw))))
	buf = append(buf, hdr[:]...)
	return append(buf, f.Raw...)
}

// WriteFrame encodes f into one buffer and issues a single Write.
func WriteFrame(w io.Writer, f *MessageFrame) error {
	return WriteFrames(w, []*MessageFrame{f})
}

// WriteFrames encodes all frames into one buffer and issues a single Write, so the
// codec never tears a frame or a batch.
func WriteFrames(w io.Writer, frames []*MessageFrame) error {
	size := 0
	for _, f := range frames {
		if f == nil || f.Raw == nil {
			return clustermq.NewError(clustermq.ErrInvalidArgument, "write frame", "nil frame or payload")
		}
		size += f.WireSize()
	}
	buf := make([]byte, 0, size)
	for _, f := range frames {
		buf = AppendFrame(buf, f)
	}
	_, err := w.Write(buf)
	return err
}

// Codec reads frames with a configurable size bound.
type Codec struct {
	MaxFrameSize int
}

// ReadFrame reads one frame with the default size bound.
func ReadFrame(r io.Reader) (*MessageFrame, error) {
	return Codec{}.ReadFrame(r)
}

// ReadFrameContext reads one frame with the default size bound, honoring ctx between phases.
func ReadFrameContext(ctx context.Context, r io.Reader) (*MessageFrame, error) {
	return Codec{}.ReadFrameContext(ctx, r)
}

func (c Codec) ReadFrame(r io.Reader) (*MessageFrame, error) {
	return c.ReadFrameContext(context.Background(), r)
}

/*
ReadFrameContext reads exactly one frame: first the 6 header bytes, then the payload.
Short reads are looped. Cancellation is checked before the header and between header and
body, never within a phase; the caller must abandon the stream after a cancelled read,
which unblocks a pending Read by closing or expiring the underlying connection.

End of stream is a framing error. If it happens before the first header byte the error also
matches io.EOF, so callers can tell a clean close from a torn frame.
*/
func (c Codec) ReadFrameContext(ctx context.Context, r io.Reader) (*MessageFrame, error) {
	max := c.MaxFrameSize
	if max <= 0 {
		max = DefaultMaxFrameSize
	}

	if err := ctx.Err(); err != nil {
		return nil, clustermq.WrapError(clustermq.ErrCancelled, "read frame", err)
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, readError(ctx, "read frame header", err)
	}

	typeID := binary.LittleEndian.Uint16(hdr[0:2])
	length := int32(binary.LittleEndian.Uint32(hdr[2:6]))
	if length < 0 || int(length) > max {
		return nil, clustermq.NewError(clustermq.ErrFraming, "read frame header",
			fmt.Sprintf("invalid payload length %d (max %d)", length, max))
	}

	if err := ctx.Err(); err != nil {
		return nil, clustermq.WrapError(clustermq.ErrCancelled, "read frame", err)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, readError(ctx, "read frame body", err)
	}
	return &MessageFrame{TypeID: typeID, Raw: raw, Received: time.Now()}, nil
}

func readError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return clustermq.WrapError(clustermq.ErrCancelled, op, ctx.Err())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return clustermq.WrapError(clustermq.ErrFraming, op, err)
	}
	if isTimeout(err) {
		return clustermq.WrapError(clustermq.ErrTimeout, op, err)
	}
	return err
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeouter
	return errors.As(err, &te) && te.Timeout()
}
