package client

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/blukai/arenaparty/internal/dispatch"
	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
)

type Config struct {
	Addr string
	Name string

	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	Lobby lobby.Config

	// Dial lets tests substitute the transport; nil means tcp.
	Dial netconn.DialFunc

	// optional observers for data the core forwards but does not interpret
	OnChat     func(sender protocol.Identity, text string)
	OnGameData func(f *protocol.Frame)
}

// Supervisor owns one connection on the client side: it drives the
// connect/reconnect state machine with capped backoff, re-announces identity
// after a reconnect, heartbeats, and feeds inbound frames through the
// dispatcher into the joiner-role lobby. everything is tick driven; no call
// blocks and no goroutine sleeps.
type Supervisor struct {
	logger *log.Logger
	cfg    Config

	identity protocol.Identity

	dialer *netconn.Dialer
	conn   *netconn.Conn
	status netconn.Status

	// reconnect bookkeeping: reconnecting distinguishes a retry loop from
	// the initial user-requested connect, which fails terminally
	reconnecting bool
	attempt      int
	retryAt      time.Time

	nextHeartbeat time.Time
	sendBroken    bool
	closeWanted   bool
	lastErr       error

	// wall time of the tick in flight, so handlers never read the clock
	now time.Time

	dispatcher *dispatch.Dispatcher
	joiner     *lobby.Joiner
}

func NewSupervisor(cfg Config, logger *log.Logger) *Supervisor {
	logger = netconn.SilencedLogger(logger)

	s := &Supervisor{
		logger: logger,
		cfg:    cfg,
		identity: protocol.Identity{
			Name: cfg.Name,
			// the tag is rolled once; reconnects keep it so the host
			// can match the returning player to its lobby record
			Tag: rand.Int31(),
		},
		dialer:     netconn.NewDialer(cfg.Dial, cfg.ConnectTimeout),
		status:     netconn.StatusDisconnected,
		dispatcher: dispatch.NewDispatcher(logger),
	}
	s.joiner = lobby.NewJoiner(cfg.Lobby, logger, s.sendPayload, nil)

	s.dispatcher.Handle(protocol.MsgPing, func(_ int, f *protocol.Frame) {
		s.sendPayload(&protocol.Pong{})
	})
	s.dispatcher.Handle(protocol.MsgPong, func(_ int, f *protocol.Frame) {
		s.logger.Debug().Str("sender", f.Sender.String()).Msg("pong")
	})
	s.dispatcher.Handle(protocol.MsgLobbySnapshot, func(_ int, f *protocol.Frame) {
		s.joiner.HandleSnapshot(f.Body.(*protocol.LobbySnapshot))
	})
	s.dispatcher.Handle(protocol.MsgGameStart, func(_ int, f *protocol.Frame) {
		s.joiner.HandleGameStart()
	})
	s.dispatcher.Handle(protocol.MsgRestart, func(_ int, f *protocol.Frame) {
		s.joiner.HandleRestart(s.now)
	})
	s.dispatcher.Handle(protocol.MsgChat, func(_ int, f *protocol.Frame) {
		if s.cfg.OnChat != nil {
			s.cfg.OnChat(f.Sender, f.Body.(*protocol.Chat).Text)
		}
	})
	relay := func(_ int, f *protocol.Frame) {
		if s.cfg.OnGameData != nil {
			s.cfg.OnGameData(f)
		}
	}
	s.dispatcher.Handle(protocol.MsgPosition, relay)
	s.dispatcher.Handle(protocol.MsgRotation, relay)
	s.dispatcher.Handle(protocol.MsgPush, relay)
	s.dispatcher.Handle(protocol.MsgFreeze, relay)

	return s
}

func (s *Supervisor) Status() netconn.Status { return s.status }

func (s *Supervisor) Identity() protocol.Identity { return s.identity }

func (s *Supervisor) Lobby() *lobby.Joiner { return s.joiner }

// Err returns the terminal failure once status is Failed.
func (s *Supervisor) Err() error { return s.lastErr }

// Connect requests the initial connection. a failure of this attempt is
// terminal; the retry loop only guards connections that were lost after
// having been established.
func (s *Supervisor) Connect(now time.Time) {
	if s.status != netconn.StatusDisconnected && s.status != netconn.StatusFailed {
		return
	}
	s.closeWanted = false
	s.reconnecting = false
	s.attempt = 0
	s.lastErr = nil
	s.status = netconn.StatusConnecting
	s.dialer.Start(s.cfg.Addr)
}

// SetReady forwards the ready flag to the host via the lobby.
func (s *Supervisor) SetReady(isReady bool) {
	s.joiner.SetReady(isReady)
}

// SendChat fires a chat message at the server, which relays it to everyone.
func (s *Supervisor) SendChat(text string) {
	s.sendPayload(&protocol.Chat{Text: text})
}

// SendGameData forwards an opaque gameplay payload (position, rotation,
// push, freeze) as-is.
func (s *Supervisor) SendGameData(p protocol.Payload) {
	s.sendPayload(p)
}

// Close is the application-requested disconnect; it does not trigger the
// retry loop.
func (s *Supervisor) Close() {
	s.closeWanted = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.status = netconn.StatusDisconnected
}

// Tick advances the state machine. the caller drives it once per process
// tick; all waiting (backoff, heartbeat, lobby timeout) is elapsed-time
// comparison against now.
func (s *Supervisor) Tick(now time.Time) {
	s.now = now

	switch s.status {
	case netconn.StatusConnecting:
		s.tickConnecting(now)
	case netconn.StatusConnected:
		s.tickConnected(now)
	case netconn.StatusReconnecting:
		if !now.Before(s.retryAt) {
			s.status = netconn.StatusConnecting
			s.dialer.Start(s.cfg.Addr)
		}
	}

	s.joiner.Tick(now)
}

func (s *Supervisor) tickConnecting(now time.Time) {
	nc, err, done := s.dialer.Poll()
	if !done {
		// a bounded timeout on the attempt itself lives in the dialer;
		// nothing to do but poll again next tick
		return
	}
	if err != nil {
		s.logger.Warn().Msgf("connect attempt failed: %v", err)
		s.connectFailed(now, err)
		return
	}

	s.conn = netconn.New(nc, s.logger)
	s.status = netconn.StatusConnected
	s.reconnecting = false
	s.attempt = 0
	s.sendBroken = false
	s.nextHeartbeat = now.Add(s.cfg.HeartbeatInterval)

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("identity", s.identity.String()).
		Msg("connected")

	// re-announce identity: the display name survives reconnects, the tag
	// was rolled once at construction
	s.sendPayload(&protocol.Handshake{})
	s.joiner.Enter(now, s.identity)
}

func (s *Supervisor) tickConnected(now time.Time) {
	frames, err := s.conn.Poll()
	for _, data := range frames {
		s.dispatcher.Dispatch(0, data)
	}
	if err != nil {
		s.logger.Warn().Msgf("connection lost: %v", err)
		s.connectionLost(now, err)
		return
	}
	if s.sendBroken {
		s.connectionLost(now, fmt.Errorf("send failed"))
		return
	}

	if !now.Before(s.nextHeartbeat) {
		s.sendPayload(&protocol.Heartbeat{})
		s.nextHeartbeat = now.Add(s.cfg.HeartbeatInterval)
	}
}

func (s *Supervisor) connectionLost(now time.Time, err error) {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.closeWanted {
		s.status = netconn.StatusDisconnected
		return
	}

	s.lastErr = err
	s.reconnecting = true
	s.attempt = 0
	s.scheduleRetry(now)
}

func (s *Supervisor) connectFailed(now time.Time, err error) {
	s.lastErr = err
	if !s.reconnecting {
		// initial connect: error or timeout is equivalent to Failed
		s.status = netconn.StatusFailed
		return
	}
	s.scheduleRetry(now)
}

func (s *Supervisor) scheduleRetry(now time.Time) {
	s.attempt += 1
	if s.attempt > s.cfg.MaxReconnectAttempts {
		s.status = netconn.StatusFailed
		s.reconnecting = false
		s.logger.Error().
			Int("attempts", s.attempt-1).
			Msgf("reconnect budget exhausted: %v", s.lastErr)
		return
	}

	delay := backoffDelay(s.cfg.ReconnectInterval, s.attempt)
	s.retryAt = now.Add(delay)
	s.status = netconn.StatusReconnecting

	s.logger.Info().
		Int("attempt", s.attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
}

// backoffDelay grows the retry interval by half the base per attempt, capped
// at three times the base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	factor := math.Min(1+float64(attempt)*0.5, 3.0)
	return time.Duration(float64(base) * factor)
}

func (s *Supervisor) sendPayload(p protocol.Payload) {
	if s.conn == nil {
		return
	}
	frame := protocol.Frame{Sender: s.identity, Body: p}
	data, err := frame.MarshalBinary()
	if err != nil {
		s.logger.Error().Msgf("could not marshal %s frame: %v", p.Kind(), err)
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.logger.Warn().Msgf("could not send %s frame: %v", p.Kind(), err)
		// surfaced on the next tick as a connection loss
		s.sendBroken = true
	}
}
