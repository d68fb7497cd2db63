package protocol

import (
	"encoding"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single marshaled frame (envelope + body). anything
// larger is treated as corruption. 4k leaves generous headroom over the
// biggest legitimate frame (a full-lobby position batch).
const MaxFrameSize = 4 << 10

// ErrMalformedPacket tags every decode failure: truncated buffers, unknown
// message types, overlong strings. a frame failing this way is dropped; the
// connection it arrived on is not torn down.
var ErrMalformedPacket = errors.New("malformed packet")

type MsgType int32

const (
	_ MsgType = iota
	MsgHandshake
	MsgChat
	MsgPosition
	MsgRotation
	MsgPing
	MsgPong
	MsgPush
	MsgFreeze
	MsgHeartbeat
	MsgRestart
	MsgJoinLobby
	MsgReadyState
	MsgLobbySnapshot
	MsgGameStart

	msgTypeMax
)

func (t MsgType) valid() bool {
	return t > 0 && t < msgTypeMax
}

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgChat:
		return "chat"
	case MsgPosition:
		return "position"
	case MsgRotation:
		return "rotation"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgPush:
		return "push"
	case MsgFreeze:
		return "freeze"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgRestart:
		return "restart"
	case MsgJoinLobby:
		return "join-lobby"
	case MsgReadyState:
		return "ready-state"
	case MsgLobbySnapshot:
		return "lobby-snapshot"
	case MsgGameStart:
		return "game-start"
	default:
		return fmt.Sprintf("invalid(%d)", int32(t))
	}
}

// Identity names one peer: a display name plus a 32 bit tag the owning
// process rolled at connect time. immutable; a rename is a new value.
type Identity struct {
	Name string
	Tag  int32
}

func (id Identity) String() string {
	return fmt.Sprintf("%s#%d", id.Name, id.Tag)
}

// Payload is the closed union of per-kind frame bodies. the unexported
// methods keep the set closed: decoding can only ever produce one variant
// per MsgType and callers switch on the concrete type instead of re-parsing
// a generic envelope.
type Payload interface {
	Kind() MsgType
	marshalTo(w *writer)
	unmarshalFrom(r *reader)
}

// Frame is one unit on the wire: the envelope (type, sender name, sender
// tag) followed by the body's fields in fixed order. encoding is length
// implicit per field; the transport layer frames the whole thing.
type Frame struct {
	Sender Identity
	Body   Payload
}

var (
	_ encoding.BinaryMarshaler   = (*Frame)(nil)
	_ encoding.BinaryUnmarshaler = (*Frame)(nil)
)

func (f *Frame) Type() MsgType {
	if f.Body == nil {
		return 0
	}
	return f.Body.Kind()
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	if f.Body == nil {
		return nil, fmt.Errorf("frame has no body")
	}

	w := &writer{}
	w.putInt32(int32(f.Body.Kind()))
	w.putString(f.Sender.Name)
	w.putInt32(f.Sender.Tag)
	f.Body.marshalTo(w)
	if w.err != nil {
		return nil, fmt.Errorf("could not marshal %s frame: %w", f.Body.Kind(), w.err)
	}

	data := w.buf.Bytes()
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds max size %d", f.Body.Kind(), len(data), MaxFrameSize)
	}
	return data, nil
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}

	t := MsgType(r.int32v())
	if r.err == nil && !t.valid() {
		r.fail("unknown message type %d", int32(t))
	}
	if r.err != nil {
		return fmt.Errorf("could not unmarshal envelope: %w", r.err)
	}

	f.Sender.Name = r.stringv()
	f.Sender.Tag = r.int32v()

	body := payloadForType(t)
	body.unmarshalFrom(r)
	if r.err != nil {
		return fmt.Errorf("could not unmarshal %s body: %w", t, r.err)
	}
	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes after %s body", ErrMalformedPacket, len(r.data)-r.pos, t)
	}

	f.Body = body
	return nil
}

func payloadForType(t MsgType) Payload {
	switch t {
	case MsgHandshake:
		return &Handshake{}
	case MsgChat:
		return &Chat{}
	case MsgPosition:
		return &Position{}
	case MsgRotation:
		return &Rotation{}
	case MsgPing:
		return &Ping{}
	case MsgPong:
		return &Pong{}
	case MsgPush:
		return &Push{}
	case MsgFreeze:
		return &Freeze{}
	case MsgHeartbeat:
		return &Heartbeat{}
	case MsgRestart:
		return &Restart{}
	case MsgJoinLobby:
		return &JoinLobby{}
	case MsgReadyState:
		return &ReadyState{}
	case MsgLobbySnapshot:
		return &LobbySnapshot{}
	case MsgGameStart:
		return &GameStart{}
	default:
		// callers check validity before getting here
		panic(fmt.Sprintf("no payload for type %d", int32(t)))
	}
}

// empty bodies: the envelope carries everything these kinds need.

type Handshake struct{}

func (*Handshake) Kind() MsgType { return MsgHandshake }
func (*Handshake) marshalTo(w *writer) {}
func (*Handshake) unmarshalFrom(r *reader) {}

type Ping struct{}

func (*Ping) Kind() MsgType { return MsgPing }
func (*Ping) marshalTo(w *writer) {}
func (*Ping) unmarshalFrom(r *reader) {}

type Pong struct{}

func (*Pong) Kind() MsgType { return MsgPong }
func (*Pong) marshalTo(w *writer) {}
func (*Pong) unmarshalFrom(r *reader) {}

type Heartbeat struct{}

func (*Heartbeat) Kind() MsgType { return MsgHeartbeat }
func (*Heartbeat) marshalTo(w *writer) {}
func (*Heartbeat) unmarshalFrom(r *reader) {}

type Restart struct{}

func (*Restart) Kind() MsgType { return MsgRestart }
func (*Restart) marshalTo(w *writer) {}
func (*Restart) unmarshalFrom(r *reader) {}

type GameStart struct{}

func (*GameStart) Kind() MsgType { return MsgGameStart }
func (*GameStart) marshalTo(w *writer) {}
func (*GameStart) unmarshalFrom(r *reader) {}

// Chat carries a free-form text message.
type Chat struct {
	Text string
}

func (*Chat) Kind() MsgType { return MsgChat }

func (c *Chat) marshalTo(w *writer) {
	w.putString(c.Text)
}

func (c *Chat) unmarshalFrom(r *reader) {
	c.Text = r.stringv()
}

// JoinLobby announces lobby entry (Joined) or departure (!Joined).
type JoinLobby struct {
	Joined bool
}

func (*JoinLobby) Kind() MsgType { return MsgJoinLobby }

func (j *JoinLobby) marshalTo(w *writer) {
	w.putBool(j.Joined)
}

func (j *JoinLobby) unmarshalFrom(r *reader) {
	j.Joined = r.boolv()
}

// ReadyState flips the sender's ready flag in the lobby.
type ReadyState struct {
	IsReady bool
}

func (*ReadyState) Kind() MsgType { return MsgReadyState }

func (rs *ReadyState) marshalTo(w *writer) {
	w.putBool(rs.IsReady)
}

func (rs *ReadyState) unmarshalFrom(r *reader) {
	rs.IsReady = r.boolv()
}

// PositionEntry is one player's position. the core forwards these opaquely,
// it never interprets the coordinates.
type PositionEntry struct {
	Name string
	Tag  int32
	X    float32
	Y    float32
	Z    float32
}

// Position carries positions for one or many players.
type Position struct {
	Players []PositionEntry
}

func (*Position) Kind() MsgType { return MsgPosition }

func (p *Position) marshalTo(w *writer) {
	w.putInt32(int32(len(p.Players)))
	for i := range p.Players {
		e := &p.Players[i]
		w.putString(e.Name)
		w.putInt32(e.Tag)
		w.putFloat32(e.X)
		w.putFloat32(e.Y)
		w.putFloat32(e.Z)
	}
}

func (p *Position) unmarshalFrom(r *reader) {
	count := r.int32v()
	if r.err != nil {
		return
	}
	if count < 0 || count > maxBatchEntries {
		r.fail("position count %d out of range", count)
		return
	}
	p.Players = make([]PositionEntry, 0, count)
	for i := int32(0); i < count && r.err == nil; i++ {
		e := PositionEntry{}
		e.Name = r.stringv()
		e.Tag = r.int32v()
		e.X = r.float32v()
		e.Y = r.float32v()
		e.Z = r.float32v()
		p.Players = append(p.Players, e)
	}
}

// Rotation is an opaque orientation update.
type Rotation struct {
	X float32
	Y float32
	Z float32
}

func (*Rotation) Kind() MsgType { return MsgRotation }

func (rot *Rotation) marshalTo(w *writer) {
	w.putFloat32(rot.X)
	w.putFloat32(rot.Y)
	w.putFloat32(rot.Z)
}

func (rot *Rotation) unmarshalFrom(r *reader) {
	rot.X = r.float32v()
	rot.Y = r.float32v()
	rot.Z = r.float32v()
}

// Push is an opaque knockback event.
type Push struct {
	DirX  float32
	DirY  float32
	DirZ  float32
	Force float32
}

func (*Push) Kind() MsgType { return MsgPush }

func (p *Push) marshalTo(w *writer) {
	w.putFloat32(p.DirX)
	w.putFloat32(p.DirY)
	w.putFloat32(p.DirZ)
	w.putFloat32(p.Force)
}

func (p *Push) unmarshalFrom(r *reader) {
	p.DirX = r.float32v()
	p.DirY = r.float32v()
	p.DirZ = r.float32v()
	p.Force = r.float32v()
}

// Freeze is an opaque freeze-effect event.
type Freeze struct {
	Duration float32
}

func (*Freeze) Kind() MsgType { return MsgFreeze }

func (f *Freeze) marshalTo(w *writer) {
	w.putFloat32(f.Duration)
}

func (f *Freeze) unmarshalFrom(r *reader) {
	f.Duration = r.float32v()
}

// LobbyPlayer is one record in a lobby snapshot.
type LobbyPlayer struct {
	ClientID int32
	Name     string
	IsReady  bool
}

// LobbySnapshot is the host's full-state view of every known participant.
// snapshots are idempotent replace-by-id operations, never deltas.
type LobbySnapshot struct {
	Players []LobbyPlayer
}

func (*LobbySnapshot) Kind() MsgType { return MsgLobbySnapshot }

func (s *LobbySnapshot) marshalTo(w *writer) {
	w.putInt32(int32(len(s.Players)))
	for i := range s.Players {
		e := &s.Players[i]
		w.putInt32(e.ClientID)
		w.putString(e.Name)
		w.putBool(e.IsReady)
	}
}

func (s *LobbySnapshot) unmarshalFrom(r *reader) {
	count := r.int32v()
	if r.err != nil {
		return
	}
	if count < 0 || count > maxBatchEntries {
		r.fail("snapshot count %d out of range", count)
		return
	}
	s.Players = make([]LobbyPlayer, 0, count)
	for i := int32(0); i < count && r.err == nil; i++ {
		e := LobbyPlayer{}
		e.ClientID = r.int32v()
		e.Name = r.stringv()
		e.IsReady = r.boolv()
		s.Players = append(s.Players, e)
	}
}

// maxBatchEntries bounds repeated sections so a corrupt count cannot force a
// huge allocation before the truncation check would fire.
const maxBatchEntries = 256
