package protocol

import (
	"bytes"
	"fmt"
	"math"

	"github.com/blukai/arenaparty/internal/byteorder"
	"github.com/blukai/arenaparty/internal/zigzag"
)

// writer serializes frame fields in order. errors are sticky: the first one
// wins and every later put becomes a no-op.
type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) putInt32(v int32) {
	if w.err != nil {
		return
	}
	w.buf.Write(byteorder.Htonl(zigzag.Encode32(v)))
}

func (w *writer) putFloat32(v float32) {
	if w.err != nil {
		return
	}
	w.buf.Write(byteorder.Htonf(v))
}

func (w *writer) putBool(v bool) {
	if w.err != nil {
		return
	}
	b := byte(0)
	if v {
		b = 1
	}
	w.buf.WriteByte(b)
}

func (w *writer) putString(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("%w: string of %d bytes exceeds length prefix", ErrMalformedPacket, len(s))
		return
	}
	w.buf.Write(byteorder.Htons(uint16(len(s))))
	w.buf.WriteString(s)
}

// reader deserializes frame fields in the order the writer put them. errors
// are sticky; reads after a failure return zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.fail("truncated at offset %d (want %d more bytes, have %d)", r.pos, n, len(r.data)-r.pos)
		return nil
	}
	chunk := r.data[r.pos : r.pos+n]
	r.pos += n
	return chunk
}

func (r *reader) int32v() int32 {
	chunk := r.take(4)
	if chunk == nil {
		return 0
	}
	return zigzag.Decode32(byteorder.Ntohl(chunk))
}

func (r *reader) float32v() float32 {
	chunk := r.take(4)
	if chunk == nil {
		return 0
	}
	return byteorder.Ntohf(chunk)
}

func (r *reader) boolv() bool {
	chunk := r.take(1)
	if chunk == nil {
		return false
	}
	switch chunk[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bool byte is %d", chunk[0])
		return false
	}
}

func (r *reader) stringv() string {
	lenChunk := r.take(2)
	if lenChunk == nil {
		return ""
	}
	chunk := r.take(int(byteorder.Ntohs(lenChunk)))
	if chunk == nil {
		return ""
	}
	return string(chunk)
}
