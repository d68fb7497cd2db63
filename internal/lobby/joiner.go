package lobby

import (
	"time"

	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
)

// Joiner mirrors the host's lobby state on a client. it sends a join request
// on entry, reconciles host snapshots into its local record set, and follows
// the host's game-start signal.
//
// events consumed: lobby-snapshot, game-start.
// events raised (via send): join-lobby, ready-state.
type Joiner struct {
	logger *log.Logger
	cfg    Config

	state    State
	errMsg   string
	deadline time.Time

	roster       roster
	self         protocol.Identity
	selfClientID int32 // 0 until learned from a snapshot

	send    func(p protocol.Payload)
	onStart func()
}

func NewJoiner(cfg Config, logger *log.Logger, send func(p protocol.Payload), onStart func()) *Joiner {
	return &Joiner{
		logger:  netconn.SilencedLogger(logger),
		cfg:     cfg,
		state:   StateIdle,
		roster:  newRoster(),
		send:    send,
		onStart: onStart,
	}
}

func (j *Joiner) State() State { return j.state }

// Err returns the human-readable reason for StateError.
func (j *Joiner) Err() string { return j.errMsg }

// Records returns the current record set in clientID order.
func (j *Joiner) Records() []PlayerRecord { return j.roster.sorted() }

// SelfClientID reports the id the host assigned us, 0 while unknown.
func (j *Joiner) SelfClientID() int32 { return j.selfClientID }

// Enter sends the join request and arms the lobby timer. called on lobby
// entry and again after a reconnect (the identity keeps its name and tag, so
// the host treats the re-join as idempotent).
func (j *Joiner) Enter(now time.Time, self protocol.Identity) {
	j.self = self
	j.selfClientID = 0
	j.state = StateJoining
	j.deadline = now.Add(j.cfg.Timeout)
	j.send(&protocol.JoinLobby{Joined: true})
}

// SetReady flips the local ready flag and tells the host.
func (j *Joiner) SetReady(isReady bool) {
	if j.state != StateJoining && j.state != StateOpen {
		return
	}
	if rec, ok := j.roster.records[j.selfClientID]; ok && j.selfClientID != 0 {
		rec.IsReady = isReady
	}
	j.send(&protocol.ReadyState{IsReady: isReady})
}

// HandleSnapshot reconciles a host snapshot against the local records.
// snapshots are idempotent full-state replace-by-id operations, so applying
// them out of order is safe: every field comparison below is independent and
// unconditional, last processed wins.
func (j *Joiner) HandleSnapshot(snap *protocol.LobbySnapshot) {
	if j.state == StateJoining {
		j.state = StateOpen
	}
	if j.state != StateOpen && j.state != StateStarting {
		return
	}

	seen := make(map[int32]bool, len(snap.Players))
	for i := range snap.Players {
		e := &snap.Players[i]
		seen[e.ClientID] = true

		rec, ok := j.roster.records[e.ClientID]
		if !ok {
			j.roster.put(&PlayerRecord{ClientID: e.ClientID, Name: e.Name, IsReady: e.IsReady})
		} else {
			rec.Name = e.Name
			rec.IsReady = e.IsReady
		}

		if j.selfClientID == 0 && e.Name == j.self.Name {
			j.selfClientID = e.ClientID
		}
	}

	for clientID := range j.roster.records {
		// never self-evict on a late or out-of-order snapshot: stale
		// host state must not delete the local player's record
		if !seen[clientID] && clientID != j.selfClientID {
			j.roster.remove(clientID)
		}
	}
}

// HandleGameStart follows the host's start signal regardless of local
// readiness bookkeeping.
func (j *Joiner) HandleGameStart() {
	if j.state == StateStarting {
		return
	}
	j.state = StateStarting
	j.logger.Info().Msg("received game start")
	if j.onStart != nil {
		j.onStart()
	}
}

// HandleRestart returns to the open lobby after gameplay; ready flags come
// back down with the host's follow-up snapshot.
func (j *Joiner) HandleRestart(now time.Time) {
	if j.state != StateStarting {
		return
	}
	j.state = StateOpen
	j.deadline = now.Add(j.cfg.Timeout)
}

// Tick drives the lobby timeout; a joiner that never sees a start signal in
// time lands in a terminal error state.
func (j *Joiner) Tick(now time.Time) {
	if j.state != StateJoining && j.state != StateOpen {
		return
	}
	if j.deadline.IsZero() || now.Before(j.deadline) {
		return
	}
	j.errMsg = "lobby timed out before game start"
	j.state = StateError
	j.logger.Error().Msg(j.errMsg)
}
