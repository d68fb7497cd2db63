package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blukai/arenaparty/internal/debug"
	"github.com/blukai/arenaparty/internal/metrics"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/blukai/arenaparty/internal/ptr"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var (
	// ErrCapacity rejects an accept when every slot is taken.
	ErrCapacity = errors.New("server at capacity")
	// ErrDuplicateEndpoint rejects an accept whose remote endpoint already
	// owns a slot. keyed by transport-level peer address, not by declared
	// identity, so a spoofed name cannot double-bind.
	ErrDuplicateEndpoint = errors.New("endpoint already owns a slot")
	// ErrDuplicateTag rejects a handshake whose identity tag is already
	// live on a different slot.
	ErrDuplicateTag = errors.New("identity tag already bound")
)

type endpointKey uint64

func makeEndpointKey(addr net.Addr) endpointKey {
	return endpointKey(xxhash.Sum64String(addr.String()))
}

type slot struct {
	id       int
	conn     *netconn.Conn
	endpoint endpointKey
	identity *protocol.Identity
	lastSeen time.Time
}

// InboundFrame is one raw frame read off a slot during Poll.
type InboundFrame struct {
	SlotID int
	Data   []byte
}

// EvictFunc observes slot removal. called after the registry released its
// lock, so the callback may call back into the registry (e.g. to broadcast
// an updated roster). identity is nil when the peer never handshook.
type EvictFunc func(slotID int, identity *protocol.Identity, reason string)

// Registry owns the server's slot table: slotId -> live connection plus the
// last-known identity. shared mutable state between the accept path and the
// per-tick poll/broadcast/send paths; every mutation is serialized behind mu.
type Registry struct {
	mu sync.Mutex

	logger  *log.Logger
	metrics *metrics.Metrics

	maxPlayers    int
	clientTimeout time.Duration

	slots     map[int]*slot
	endpoints map[endpointKey]int

	evictFunc EvictFunc
}

func NewRegistry(maxPlayers int, clientTimeout time.Duration, logger *log.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		logger:        netconn.SilencedLogger(logger),
		metrics:       m,
		maxPlayers:    maxPlayers,
		clientTimeout: clientTimeout,
		slots:         make(map[int]*slot),
		endpoints:     make(map[endpointKey]int),
	}
}

// SetEvictFunc registers the eviction observer. call before the first Poll.
func (r *Registry) SetEvictFunc(fn EvictFunc) {
	r.evictFunc = fn
}

// Accept binds nc to the lowest free slot. on rejection the caller still owns
// nc and must close it.
func (r *Registry) Accept(nc net.Conn, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.slots) >= r.maxPlayers {
		r.metrics.Rejections.WithLabelValues("capacity").Inc()
		return 0, ErrCapacity
	}

	key := makeEndpointKey(nc.RemoteAddr())
	if _, ok := r.endpoints[key]; ok {
		r.metrics.Rejections.WithLabelValues("duplicate_endpoint").Inc()
		return 0, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, nc.RemoteAddr())
	}

	// lowest-available-first scan
	id := 0
	for candidate := 1; candidate <= r.maxPlayers; candidate++ {
		if _, ok := r.slots[candidate]; !ok {
			id = candidate
			break
		}
	}
	// len check above guarantees a free slot exists
	debug.Assert(id != 0)

	r.slots[id] = &slot{
		id:       id,
		conn:     netconn.New(nc, r.logger),
		endpoint: key,
		lastSeen: now,
	}
	r.endpoints[key] = id
	r.metrics.ConnectedSlots.Set(float64(len(r.slots)))

	r.logger.Info().
		Int("slot", id).
		Str("addr", nc.RemoteAddr().String()).
		Msg("accepted client")

	return id, nil
}

// BindIdentity attaches the declared identity to a slot after handshake.
// tag uniqueness is enforced here: a tag already live on another slot is
// rejected and the caller should evict the offending slot.
func (r *Registry) BindIdentity(slotID int, identity protocol.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok {
		return fmt.Errorf("no slot %d", slotID)
	}
	for _, other := range r.slots {
		if other.id != slotID && other.identity != nil && other.identity.Tag == identity.Tag {
			r.metrics.Rejections.WithLabelValues("duplicate_tag").Inc()
			return fmt.Errorf("%w: tag %d is slot %d", ErrDuplicateTag, identity.Tag, other.id)
		}
	}
	s.identity = ptr.To(identity)
	return nil
}

// Identity returns the last-known identity bound to a slot.
func (r *Registry) Identity(slotID int) (protocol.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || s.identity == nil {
		return protocol.Identity{}, false
	}
	return *s.identity, true
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// SlotIDs returns the occupied slot ids in ascending order.
func (r *Registry) SlotIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type pendingEviction struct {
	slotID   int
	identity *protocol.Identity
	reason   string
}

// Poll performs one tick of server-side io: a non-blocking read on every live
// slot, activity bookkeeping, and idle eviction. returned frames are in slot
// order; frames from a single peer keep the order the transport delivered.
func (r *Registry) Poll(now time.Time) []InboundFrame {
	var out []InboundFrame
	var evictions []pendingEviction

	r.mu.Lock()
	ids := make([]int, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		s := r.slots[id]
		frames, err := s.conn.Poll()
		if len(frames) > 0 {
			s.lastSeen = now
			for _, data := range frames {
				out = append(out, InboundFrame{SlotID: id, Data: data})
			}
		}
		if err != nil {
			evictions = append(evictions, r.removeLocked(id, fmt.Sprintf("read failure: %v", err)))
			continue
		}
		if now.Sub(s.lastSeen) > r.clientTimeout {
			evictions = append(evictions, r.removeLocked(id, "idle timeout"))
		}
	}
	r.mu.Unlock()

	r.notifyEvictions(evictions)
	return out
}

// Send unicasts pre-encoded bytes to one slot. a send failure evicts that
// slot and is returned to the caller.
func (r *Registry) Send(slotID int, data []byte) error {
	r.mu.Lock()
	s, ok := r.slots[slotID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no slot %d", slotID)
	}

	if err := s.conn.Send(data); err != nil {
		r.Evict(slotID, fmt.Sprintf("send failure: %v", err))
		return fmt.Errorf("could not send to slot %d: %w", slotID, err)
	}
	return nil
}

// Broadcast sends pre-encoded bytes to every live slot except excludeSlot
// (0 = nobody excluded, which global announcements like game-start rely on).
// a failed send evicts only the failing slot and never aborts delivery to
// the rest; failures are aggregated into the returned error.
func (r *Registry) Broadcast(data []byte, excludeSlot int) error {
	// snapshot the recipient list so eviction during the sends cannot
	// invalidate the iteration
	r.mu.Lock()
	recipients := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s.id == excludeSlot {
			continue
		}
		recipients = append(recipients, s)
	}
	r.mu.Unlock()
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].id < recipients[j].id })

	r.metrics.Broadcasts.Inc()

	var errs error
	for _, s := range recipients {
		if err := s.conn.Send(data); err != nil {
			r.logger.Error().
				Int("slot", s.id).
				Msgf("could not broadcast: %v", err)
			r.Evict(s.id, fmt.Sprintf("send failure: %v", err))
			errs = multierror.Append(errs, fmt.Errorf("slot %d: %w", s.id, err))
		}
	}
	return errs
}

// Evict removes one slot, closing its connection. slot, cached identity and
// last-activity state go away atomically under the registry lock.
func (r *Registry) Evict(slotID int, reason string) {
	r.mu.Lock()
	if _, ok := r.slots[slotID]; !ok {
		r.mu.Unlock()
		return
	}
	ev := r.removeLocked(slotID, reason)
	r.mu.Unlock()

	r.notifyEvictions([]pendingEviction{ev})
}

func (r *Registry) removeLocked(slotID int, reason string) pendingEviction {
	s := r.slots[slotID]
	delete(r.slots, slotID)
	delete(r.endpoints, s.endpoint)
	s.conn.Close()

	r.metrics.ConnectedSlots.Set(float64(len(r.slots)))
	r.metrics.Evictions.WithLabelValues(evictionReasonLabel(reason)).Inc()

	r.logger.Info().
		Int("slot", slotID).
		Str("reason", reason).
		Msg("evicted client")

	return pendingEviction{slotID: slotID, identity: s.identity, reason: reason}
}

func (r *Registry) notifyEvictions(evictions []pendingEviction) {
	if r.evictFunc == nil {
		return
	}
	for _, ev := range evictions {
		r.evictFunc(ev.slotID, ev.identity, ev.reason)
	}
}

func evictionReasonLabel(reason string) string {
	switch {
	case reason == "idle timeout":
		return "idle_timeout"
	case strings.HasPrefix(reason, "read failure"):
		return "read_failure"
	case strings.HasPrefix(reason, "send failure"):
		return "send_failure"
	default:
		return "other"
	}
}

// Close tears down every slot, e.g. on server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.slots {
		s.conn.Close()
		delete(r.slots, id)
		delete(r.endpoints, s.endpoint)
	}
	r.metrics.ConnectedSlots.Set(0)
}
