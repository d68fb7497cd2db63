package session_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/blukai/arenaparty/internal/session"
	"github.com/matryer/is"
)

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// stubConn is a scriptable net.Conn: queued inbound bytes, optional write
// failure, and a record of everything written.
type stubConn struct {
	addr     stubAddr
	inbound  []byte
	writeErr error
	wrote    [][]byte
	closed   bool
}

func (c *stubConn) Read(b []byte) (int, error) {
	if len(c.inbound) == 0 {
		return 0, timeoutError{}
	}
	n := copy(b, c.inbound)
	c.inbound = c.inbound[n:]
	return n, nil
}

func (c *stubConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	c.wrote = append(c.wrote, buf)
	return len(b), nil
}

func (c *stubConn) Close() error                       { c.closed = true; return nil }
func (c *stubConn) LocalAddr() net.Addr                { return stubAddr("local") }
func (c *stubConn) RemoteAddr() net.Addr               { return c.addr }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

// framed prepends the transport's uint16 length prefix.
func framed(payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(len(payload)>>8), byte(len(payload)))
	return append(out, payload...)
}

func newRegistry(maxPlayers int) *session.Registry {
	return session.NewRegistry(maxPlayers, 10*time.Second, nil, nil)
}

func TestCapacityInvariant(t *testing.T) {
	is := is.New(t)

	r := newRegistry(2)
	now := time.Now()

	slotA, err := r.Accept(&stubConn{addr: "10.0.0.1:1111"}, now)
	is.NoErr(err)
	is.Equal(slotA, 1)

	slotB, err := r.Accept(&stubConn{addr: "10.0.0.2:2222"}, now)
	is.NoErr(err)
	is.Equal(slotB, 2)

	_, err = r.Accept(&stubConn{addr: "10.0.0.3:3333"}, now)
	is.True(errors.Is(err, session.ErrCapacity))
	is.Equal(r.Len(), 2)
}

func TestDuplicateEndpointRejected(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	_, err := r.Accept(&stubConn{addr: "10.0.0.1:1111"}, now)
	is.NoErr(err)

	_, err = r.Accept(&stubConn{addr: "10.0.0.1:1111"}, now)
	is.True(errors.Is(err, session.ErrDuplicateEndpoint))
	is.Equal(r.Len(), 1)
}

func TestLowestSlotReused(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	for i, addr := range []stubAddr{"a:1", "b:2", "c:3"} {
		slot, err := r.Accept(&stubConn{addr: addr}, now)
		is.NoErr(err)
		is.Equal(slot, i+1)
	}

	r.Evict(2, "test")
	is.Equal(r.SlotIDs(), []int{1, 3})

	slot, err := r.Accept(&stubConn{addr: "d:4"}, now)
	is.NoErr(err)
	is.Equal(slot, 2)
}

func TestDuplicateTagRejected(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	slotA, err := r.Accept(&stubConn{addr: "a:1"}, now)
	is.NoErr(err)
	slotB, err := r.Accept(&stubConn{addr: "b:2"}, now)
	is.NoErr(err)

	is.NoErr(r.BindIdentity(slotA, protocol.Identity{Name: "Nova", Tag: 7}))

	err = r.BindIdentity(slotB, protocol.Identity{Name: "Imposter", Tag: 7})
	is.True(errors.Is(err, session.ErrDuplicateTag))

	// re-binding the same slot's own tag stays fine (reconnect handshake)
	is.NoErr(r.BindIdentity(slotA, protocol.Identity{Name: "Nova", Tag: 7}))
}

func TestPollReadsFramesAndTracksActivity(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry(4, time.Second, nil, nil)
	t0 := time.Now()

	nc := &stubConn{addr: "a:1", inbound: framed([]byte{0x01, 0x02})}
	slot, err := r.Accept(nc, t0)
	is.NoErr(err)

	frames := r.Poll(t0.Add(500 * time.Millisecond))
	is.Equal(len(frames), 1)
	is.Equal(frames[0].SlotID, slot)
	is.Equal(frames[0].Data, []byte{0x01, 0x02})

	// activity above refreshed lastSeen, so this poll must not evict
	frames = r.Poll(t0.Add(1400 * time.Millisecond))
	is.Equal(len(frames), 0)
	is.Equal(r.Len(), 1)
}

func TestIdleEviction(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry(4, time.Second, nil, nil)
	t0 := time.Now()

	var evictedSlot int
	var evictedIdentity *protocol.Identity
	r.SetEvictFunc(func(slotID int, identity *protocol.Identity, reason string) {
		evictedSlot = slotID
		evictedIdentity = identity
	})

	nc := &stubConn{addr: "a:1"}
	slot, err := r.Accept(nc, t0)
	is.NoErr(err)
	is.NoErr(r.BindIdentity(slot, protocol.Identity{Name: "Nova", Tag: 7}))

	r.Poll(t0.Add(2 * time.Second))
	is.Equal(r.Len(), 0)
	is.True(nc.closed)
	is.Equal(evictedSlot, slot)
	is.Equal(evictedIdentity.Tag, int32(7))

	// slot, identity and activity state went away together: the endpoint
	// and the tag are immediately reusable
	slot2, err := r.Accept(&stubConn{addr: "a:1"}, t0.Add(2*time.Second))
	is.NoErr(err)
	is.NoErr(r.BindIdentity(slot2, protocol.Identity{Name: "Nova", Tag: 7}))
}

func TestBroadcastIsolation(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	healthy1 := &stubConn{addr: "a:1"}
	broken := &stubConn{addr: "b:2", writeErr: errors.New("connection reset")}
	healthy2 := &stubConn{addr: "c:3"}

	_, err := r.Accept(healthy1, now)
	is.NoErr(err)
	brokenSlot, err := r.Accept(broken, now)
	is.NoErr(err)
	_, err = r.Accept(healthy2, now)
	is.NoErr(err)

	payload := []byte{0xca, 0xfe}
	err = r.Broadcast(payload, 0)
	is.True(err != nil)

	// the failing slot is evicted, delivery to the others still happened
	is.Equal(r.SlotIDs(), []int{1, 3})
	is.Equal(r.Len(), 2)
	is.Equal(len(healthy1.wrote), 1)
	is.Equal(healthy1.wrote[0], framed(payload))
	is.Equal(len(healthy2.wrote), 1)
	is.Equal(healthy2.wrote[0], framed(payload))
	is.True(broken.closed)
	_ = brokenSlot
}

func TestBroadcastExcludesSender(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	sender := &stubConn{addr: "a:1"}
	other := &stubConn{addr: "b:2"}

	senderSlot, err := r.Accept(sender, now)
	is.NoErr(err)
	_, err = r.Accept(other, now)
	is.NoErr(err)

	is.NoErr(r.Broadcast([]byte{0x01}, senderSlot))
	is.Equal(len(sender.wrote), 0)
	is.Equal(len(other.wrote), 1)

	// exclude none reaches everyone, which global announcements rely on
	is.NoErr(r.Broadcast([]byte{0x02}, 0))
	is.Equal(len(sender.wrote), 1)
	is.Equal(len(other.wrote), 2)
}

func TestSendFailureEvictsOnlyThatSlot(t *testing.T) {
	is := is.New(t)

	r := newRegistry(4)
	now := time.Now()

	broken := &stubConn{addr: "a:1", writeErr: errors.New("broken pipe")}
	healthy := &stubConn{addr: "b:2"}

	brokenSlot, err := r.Accept(broken, now)
	is.NoErr(err)
	_, err = r.Accept(healthy, now)
	is.NoErr(err)

	err = r.Send(brokenSlot, []byte{0x01})
	is.True(err != nil)
	is.Equal(r.SlotIDs(), []int{2})
}
