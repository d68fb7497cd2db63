package lobby

import (
	"fmt"
	"sort"
	"time"

	"github.com/blukai/arenaparty/internal/protocol"
)

// State is the lobby coordinator's lifecycle. exactly one holds at a time.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateOpen
	StateStarting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateOpen:
		return "open"
	case StateStarting:
		return "starting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("invalid(%d)", int32(s))
	}
}

// PlayerRecord is one known participant, host included. created on first
// sighting, mutated on ready/rename events, removed only when a host
// snapshot omits the id.
type PlayerRecord struct {
	ClientID int32
	Name     string
	IsReady  bool
}

type Config struct {
	MinPlayersToStart int
	Timeout           time.Duration
}

// roster is the record set shared by both lobby roles.
type roster struct {
	records map[int32]*PlayerRecord
}

func newRoster() roster {
	return roster{records: make(map[int32]*PlayerRecord)}
}

func (r *roster) put(rec *PlayerRecord) {
	r.records[rec.ClientID] = rec
}

func (r *roster) remove(clientID int32) {
	delete(r.records, clientID)
}

func (r *roster) len() int {
	return len(r.records)
}

func (r *roster) allReady() bool {
	for _, rec := range r.records {
		if !rec.IsReady {
			return false
		}
	}
	return true
}

// sorted returns copies of every record in clientID order.
func (r *roster) sorted() []PlayerRecord {
	out := make([]PlayerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (r *roster) snapshot() *protocol.LobbySnapshot {
	recs := r.sorted()
	snap := &protocol.LobbySnapshot{Players: make([]protocol.LobbyPlayer, 0, len(recs))}
	for _, rec := range recs {
		snap.Players = append(snap.Players, protocol.LobbyPlayer{
			ClientID: rec.ClientID,
			Name:     rec.Name,
			IsReady:  rec.IsReady,
		})
	}
	return snap
}
