package netconn

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
)

// frames on the stream are a uint16 big-endian length followed by that many
// bytes of marshaled frame. the length prefix belongs to the transport; the
// protocol codec itself stays length implicit per field.
const frameHeaderSize = 2

const (
	readChunkSize    = 4 << 10
	sendWriteTimeout = time.Second

	// the read deadline must sit slightly in the future: an already-expired
	// deadline makes Read fail before consulting the socket buffer, so
	// buffered data (and EOF) would never surface
	pollReadTimeout = time.Millisecond
)

// Status is the client-facing connection state. exactly one holds at a time.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("invalid(%d)", int32(s))
	}
}

// SilencedLogger returns a usable logger when the given one is nil (which
// might be true in tests).
func SilencedLogger(logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	tmp := log.DefaultLogger
	tmp.Writer = &log.IOWriter{Writer: io.Discard}
	return &tmp
}

// Conn wraps one established peer-to-peer stream. symmetric between client
// and server: both sides poll for inbound frames and fire-and-forget sends.
// Conn is not safe for concurrent use; the owner serializes access (the
// registry does it under its mutex, the client supervisor is single threaded).
type Conn struct {
	nc      net.Conn
	logger  *log.Logger
	scratch []byte
	pending []byte
	closed  bool
}

func New(nc net.Conn, logger *log.Logger) *Conn {
	return &Conn{
		nc:      nc,
		logger:  SilencedLogger(logger),
		scratch: make([]byte, readChunkSize),
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Poll drains whatever the transport has buffered and returns zero or more
// complete frames, blocking at most for the short poll deadline. a nil error
// with no frames means nothing arrived this tick. a non-nil error is a hard failure (peer closed, reset,
// corrupt framing) and the caller must treat the connection as dead.
func (c *Conn) Poll() ([][]byte, error) {
	if c.closed {
		return nil, net.ErrClosed
	}

	var frames [][]byte
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(pollReadTimeout)); err != nil {
			return frames, fmt.Errorf("could not set read deadline: %w", err)
		}

		n, err := c.nc.Read(c.scratch)
		if n > 0 {
			c.pending = append(c.pending, c.scratch[:n]...)
			extracted, ferr := c.extractFrames()
			frames = append(frames, extracted...)
			if ferr != nil {
				return frames, ferr
			}
		}
		if err != nil {
			// would-block is not an error, poll again next tick
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return frames, nil
			}
			if err == io.EOF {
				return frames, fmt.Errorf("peer closed connection: %w", err)
			}
			return frames, fmt.Errorf("could not read: %w", err)
		}
	}
}

// extractFrames peels complete length-prefixed frames off the pending buffer.
func (c *Conn) extractFrames() ([][]byte, error) {
	var frames [][]byte
	for {
		if len(c.pending) < frameHeaderSize {
			return frames, nil
		}
		size := int(uint16(c.pending[0])<<8 | uint16(c.pending[1]))
		if size > protocol.MaxFrameSize {
			// a bogus length prefix means framing is out of sync and
			// the stream cannot be trusted anymore
			return frames, fmt.Errorf("declared frame size %d exceeds max %d", size, protocol.MaxFrameSize)
		}
		if len(c.pending) < frameHeaderSize+size {
			return frames, nil
		}
		frame := make([]byte, size)
		copy(frame, c.pending[frameHeaderSize:frameHeaderSize+size])
		c.pending = c.pending[frameHeaderSize+size:]
		frames = append(frames, frame)
	}
}

// Send writes one frame, fire-and-forget: no delivery acknowledgement, a
// short write deadline bounds how long a stalled peer can hold us up. a
// returned error means the connection should be considered dead.
func (c *Conn) Send(frame []byte) error {
	if c.closed {
		return net.ErrClosed
	}
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(frame), protocol.MaxFrameSize)
	}

	buf := make([]byte, 0, frameHeaderSize+len(frame))
	buf = append(buf, byte(len(frame)>>8), byte(len(frame)))
	buf = append(buf, frame...)

	if err := c.nc.SetWriteDeadline(time.Now().Add(sendWriteTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("could not write: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}
