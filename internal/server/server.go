package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/blukai/arenaparty/internal/dispatch"
	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/metrics"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/blukai/arenaparty/internal/session"
	"github.com/phuslu/log"
)

type Config struct {
	Addr     string
	HostName string

	MaxPlayers    int
	ClientTimeout time.Duration
	TickInterval  time.Duration

	Lobby lobby.Config
}

// Server drives the host side: it accepts inbound streams into the session
// registry, polls every slot once per tick, dispatches decoded frames, relays
// opaque game data, and runs the host-role lobby. single tick goroutine; the
// registry's mutex covers the accept path.
type Server struct {
	logger  *log.Logger
	cfg     Config
	metrics *metrics.Metrics

	listener   *net.TCPListener
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	host       *lobby.Host

	// server-originated frames carry the host identity in the envelope
	identity protocol.Identity

	// wall time of the tick in flight, so handlers never read the clock
	now time.Time
}

func New(cfg Config, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	logger = netconn.SilencedLogger(logger)
	if m == nil {
		m = metrics.New()
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		metrics:  m,
		listener: listener,
		registry: session.NewRegistry(cfg.MaxPlayers, cfg.ClientTimeout, logger, m),
		identity: protocol.Identity{Name: cfg.HostName, Tag: rand.Int31()},
	}
	s.host = lobby.NewHost(cfg.Lobby, logger, s.broadcastPayload, nil)
	s.registry.SetEvictFunc(func(slotID int, identity *protocol.Identity, reason string) {
		if identity != nil {
			s.host.HandleLeave(identity.Tag)
		}
	})
	s.dispatcher = dispatch.NewDispatcher(logger)
	s.registerHandlers()

	return s, nil
}

// Addr can be useful to retrieve the server's address when it was constructed
// with ":0".
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Registry exposes the session registry for inspection.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) registerHandlers() {
	s.dispatcher.Handle(protocol.MsgHandshake, func(from int, f *protocol.Frame) {
		if err := s.registry.BindIdentity(from, f.Sender); err != nil {
			s.logger.Warn().
				Int("slot", from).
				Str("sender", f.Sender.String()).
				Msgf("rejecting handshake: %v", err)
			if errors.Is(err, session.ErrDuplicateTag) {
				s.registry.Evict(from, "duplicate identity tag")
			}
		}
	})

	s.dispatcher.Handle(protocol.MsgPing, func(from int, f *protocol.Frame) {
		s.sendPayload(from, &protocol.Pong{})
	})

	s.dispatcher.Handle(protocol.MsgHeartbeat, func(from int, f *protocol.Frame) {
		// nothing to do: last-activity is maintained by the registry on
		// every successful read
	})

	// opaque game data: relayed to everyone but the sender, never
	// interpreted beyond the envelope
	relay := func(from int, f *protocol.Frame) {
		data, err := f.MarshalBinary()
		if err != nil {
			s.logger.Error().Msgf("could not re-marshal %s frame: %v", f.Type(), err)
			return
		}
		s.metrics.FramesRelayed.Inc()
		s.registry.Broadcast(data, from)
	}
	s.dispatcher.Handle(protocol.MsgChat, relay)
	s.dispatcher.Handle(protocol.MsgPosition, relay)
	s.dispatcher.Handle(protocol.MsgRotation, relay)
	s.dispatcher.Handle(protocol.MsgPush, relay)
	s.dispatcher.Handle(protocol.MsgFreeze, relay)

	s.dispatcher.Handle(protocol.MsgJoinLobby, func(from int, f *protocol.Frame) {
		if f.Body.(*protocol.JoinLobby).Joined {
			s.host.HandleJoin(f.Sender)
		} else {
			s.host.HandleLeave(f.Sender.Tag)
		}
	})

	s.dispatcher.Handle(protocol.MsgReadyState, func(from int, f *protocol.Frame) {
		s.host.HandleReady(f.Sender, f.Body.(*protocol.ReadyState).IsReady)
	})

	s.dispatcher.Handle(protocol.MsgRestart, func(from int, f *protocol.Frame) {
		s.host.HandleRestart(s.now)
	})

	// game-start is host authoritative; a client-sent one is ignored by
	// leaving it unregistered
}

// Run drives the tick loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.host.Open(time.Now())

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.registry.Close()
			return s.listener.Close()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Server) tick(now time.Time) {
	s.now = now

	s.acceptPending(now)

	for _, inbound := range s.registry.Poll(now) {
		if err := s.dispatcher.Dispatch(inbound.SlotID, inbound.Data); err != nil {
			s.metrics.FramesDropped.Inc()
		} else {
			s.metrics.FramesDecoded.Inc()
		}
	}

	s.host.Tick(now)
}

// acceptPollTimeout bounds each accept poll. the deadline must sit slightly
// in the future: an already-expired one times out before consulting the
// kernel backlog and no connection would ever be accepted.
const acceptPollTimeout = time.Millisecond

// acceptPending drains the listener's backlog, blocking at most for the
// accept poll deadline.
func (s *Server) acceptPending(now time.Time) {
	for {
		if err := s.listener.SetDeadline(time.Now().Add(acceptPollTimeout)); err != nil {
			return
		}
		nc, err := s.listener.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			s.logger.Error().Msgf("could not accept: %v", err)
			return
		}

		if _, err := s.registry.Accept(nc, now); err != nil {
			// capacity or duplicate endpoint: reject and close, no
			// effect on existing peers
			s.logger.Warn().
				Str("addr", nc.RemoteAddr().String()).
				Msgf("rejecting connection: %v", err)
			nc.Close()
		}
	}
}

func (s *Server) broadcastPayload(p protocol.Payload) {
	frame := protocol.Frame{Sender: s.identity, Body: p}
	data, err := frame.MarshalBinary()
	if err != nil {
		s.logger.Error().Msgf("could not marshal %s frame: %v", p.Kind(), err)
		return
	}
	s.registry.Broadcast(data, 0)
}

func (s *Server) sendPayload(slotID int, p protocol.Payload) {
	frame := protocol.Frame{Sender: s.identity, Body: p}
	data, err := frame.MarshalBinary()
	if err != nil {
		s.logger.Error().Msgf("could not marshal %s frame: %v", p.Kind(), err)
		return
	}
	if err := s.registry.Send(slotID, data); err != nil {
		s.logger.Warn().Msgf("could not send %s frame: %v", p.Kind(), err)
	}
}
