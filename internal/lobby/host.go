package lobby

import (
	"fmt"
	"time"

	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
)

// Host owns the canonical lobby state. every mutation re-broadcasts a full
// snapshot and re-evaluates all-ready; when the quorum is ready the host
// broadcasts game-start and transitions to Starting.
//
// events consumed: join-lobby, ready-state, restart, peer departure.
// events raised (via broadcast): lobby-snapshot, game-start.
type Host struct {
	logger *log.Logger
	cfg    Config

	state    State
	errMsg   string
	deadline time.Time

	roster       roster
	tags         map[int32]int32 // identity tag -> clientID
	nextClientID int32

	// injected send path: the server wraps the payload into a frame and
	// broadcasts it to every slot (itself included, logically)
	broadcast func(p protocol.Payload)
	onStart   func()
}

func NewHost(cfg Config, logger *log.Logger, broadcast func(p protocol.Payload), onStart func()) *Host {
	return &Host{
		logger:       netconn.SilencedLogger(logger),
		cfg:          cfg,
		state:        StateIdle,
		roster:       newRoster(),
		tags:         make(map[int32]int32),
		nextClientID: 1,
		broadcast:    broadcast,
		onStart:      onStart,
	}
}

// Open arms the lobby timer and starts accepting joins.
func (h *Host) Open(now time.Time) {
	h.state = StateOpen
	h.deadline = now.Add(h.cfg.Timeout)
}

func (h *Host) State() State { return h.state }

// Err returns the human-readable reason for StateError.
func (h *Host) Err() string { return h.errMsg }

// Records returns the current record set in clientID order.
func (h *Host) Records() []PlayerRecord { return h.roster.sorted() }

func (h *Host) insert(id protocol.Identity) int32 {
	clientID := h.nextClientID
	h.nextClientID += 1
	h.roster.put(&PlayerRecord{ClientID: clientID, Name: id.Name})
	h.tags[id.Tag] = clientID
	return clientID
}

// record resolves sender to its record, synthesizing one on first sighting.
// matching is by identity tag, not transport slot: identities survive a
// reconnect, slot ids do not.
func (h *Host) record(sender protocol.Identity) *PlayerRecord {
	clientID, ok := h.tags[sender.Tag]
	if !ok {
		clientID = h.insert(sender)
	}
	rec := h.roster.records[clientID]
	if rec.Name != sender.Name {
		// rename: identity values are immutable, the record is not
		rec.Name = sender.Name
	}
	return rec
}

// HandleJoin processes a join request. a known identity re-joining (e.g.
// after a reconnect) is idempotent; either way everyone gets a snapshot.
func (h *Host) HandleJoin(sender protocol.Identity) {
	if h.state != StateOpen {
		h.logger.Debug().
			Str("sender", sender.String()).
			Str("state", h.state.String()).
			Msg("ignoring join outside open lobby")
		return
	}

	rec := h.record(sender)
	h.logger.Info().
		Str("sender", sender.String()).
		Int("clientID", int(rec.ClientID)).
		Msg("lobby join")

	h.broadcastSnapshot()
	h.evaluate()
}

// HandleReady updates the sender's ready flag. an unknown sender gets a
// synthesized record first, so a ready racing ahead of its join still
// converges on {name, isReady}.
func (h *Host) HandleReady(sender protocol.Identity, isReady bool) {
	if h.state != StateOpen {
		return
	}

	rec := h.record(sender)
	rec.IsReady = isReady

	h.broadcastSnapshot()
	h.evaluate()
}

// HandleLeave drops a departed participant (evicted slot or explicit leave)
// and lets everyone know via snapshot. the removal is what makes joiners
// eventually drop the record too: they only ever delete ids a host snapshot
// omits.
func (h *Host) HandleLeave(tag int32) {
	clientID, ok := h.tags[tag]
	if !ok {
		return
	}
	delete(h.tags, tag)
	h.roster.remove(clientID)

	h.logger.Info().
		Int("clientID", int(clientID)).
		Msg("lobby leave")

	if h.state != StateOpen {
		return
	}
	h.broadcastSnapshot()
	h.evaluate()
}

// HandleRestart re-opens the lobby after gameplay: ready flags clear and the
// timer re-arms. only meaningful once a game started; against an open lobby
// it would wipe everyone's ready flags, against a dead one it would
// resurrect it, so both are ignored (mirrors the joiner-side guard).
func (h *Host) HandleRestart(now time.Time) {
	if h.state != StateStarting {
		return
	}
	for _, rec := range h.roster.records {
		rec.IsReady = false
	}
	h.Open(now)
	// the explicit restart signal is what moves joiners out of Starting;
	// the snapshot alone would not
	h.broadcast(&protocol.Restart{})
	h.broadcastSnapshot()
}

// Tick drives the lobby-wide timeout. on expiry the host force-starts if the
// quorum is already met, otherwise the lobby lands in a terminal error state.
func (h *Host) Tick(now time.Time) {
	if h.state != StateOpen || h.deadline.IsZero() || now.Before(h.deadline) {
		return
	}

	if h.roster.len() >= h.cfg.MinPlayersToStart {
		h.logger.Warn().Msg("lobby timeout with quorum met, force starting")
		h.start()
		return
	}

	h.errMsg = fmt.Sprintf(
		"lobby timed out with %d of %d required players",
		h.roster.len(), h.cfg.MinPlayersToStart,
	)
	h.state = StateError
	h.logger.Error().Msg(h.errMsg)
}

func (h *Host) broadcastSnapshot() {
	h.broadcast(h.roster.snapshot())
}

func (h *Host) evaluate() {
	if h.state != StateOpen {
		return
	}
	if h.roster.len() < h.cfg.MinPlayersToStart || !h.roster.allReady() {
		return
	}
	h.start()
}

func (h *Host) start() {
	h.state = StateStarting
	h.logger.Info().Msg("all ready, starting game")
	// global announcement: goes to every slot, nobody excluded
	h.broadcast(&protocol.GameStart{})
	if h.onStart != nil {
		h.onStart()
	}
}
