package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"restune/internal/tuning"
)

// Info is a copy of one client's state.
type Info struct {
	ID        tuning.ClientID
	PID       int
	Tier      tuning.Tier
	Class     tuning.PriorityClass
	CreatedAt time.Time
	LastSeen  time.Time
	Owned     []tuning.Key
	Pending   []tuning.RequestID
	Dead      bool
	// Bound clients only accept messages from the verified peer that first
	// used the id.
	Bound bool
	// Recovered clients were rebuilt from the recovery store and must
	// reconnect before GraceDeadline.
	Recovered     bool
	GraceDeadline time.Time
}

// Idle reports whether the client owns nothing.
func (i Info) Idle() bool {
	return len(i.Owned) == 0 && len(i.Pending) == 0
}

// Peer identifies a sending process. Start is its start time in clock ticks,
// zero when unknown.
type Peer struct {
	PID   int
	UID   int
	Start uint64
}

func (p Peer) same(other Peer) bool {
	if p.PID != other.PID || p.UID != other.UID {
		return false
	}
	return p.Start == 0 || other.Start == 0 || p.Start == other.Start
}

type record struct {
	mu            sync.Mutex
	id            tuning.ClientID
	pid           int
	tier          tuning.Tier
	class         tuning.PriorityClass
	createdAt     time.Time
	lastSeen      time.Time
	owned         map[tuning.Key]struct{}
	pending       map[tuning.RequestID]int
	dead          bool
	bound         bool
	peer          Peer
	recovered     bool
	graceDeadline time.Time
}

func (r *record) snapshot() Info {
	info := Info{
		ID:            r.id,
		PID:           r.pid,
		Tier:          r.tier,
		Class:         r.class,
		CreatedAt:     r.createdAt,
		LastSeen:      r.lastSeen,
		Dead:          r.dead,
		Bound:         r.bound,
		Recovered:     r.recovered,
		GraceDeadline: r.graceDeadline,
	}
	for key := range r.owned {
		info.Owned = append(info.Owned, key)
	}
	sort.Slice(info.Owned, func(i, j int) bool { return info.Owned[i].Opcode < info.Owned[j].Opcode })
	for id := range r.pending {
		info.Pending = append(info.Pending, id)
	}
	sort.Slice(info.Pending, func(i, j int) bool { return info.Pending[i] < info.Pending[j] })
	return info
}

// Store holds ClientInfo records. The table lock guards membership; each
// record has its own lock for field updates.
type Store struct {
	clk     clock.Clock
	mu      sync.RWMutex
	clients map[tuning.ClientID]*record
}

// NewStore returns an empty store. A nil clock uses wall time.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{clk: clk, clients: make(map[tuning.ClientID]*record)}
}

func (s *Store) get(id tuning.ClientID) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

func (s *Store) getOrCreate(id tuning.ClientID) (*record, bool) {
	if r := s.get(id); r != nil {
		return r, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.clients[id]; ok {
		return r, false
	}
	now := s.clk.Now()
	r := &record{
		id:        id,
		createdAt: now,
		lastSeen:  now,
		owned:     make(map[tuning.Key]struct{}),
		pending:   make(map[tuning.RequestID]int),
	}
	s.clients[id] = r
	return r, true
}

// Touch records a message from the client, creating it on first contact. A
// recovered client that reconnects loses its grace deadline.
func (s *Store) Touch(id tuning.ClientID, pid int, tier tuning.Tier) (Info, bool) {
	r, created := s.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen = s.clk.Now()
	if pid > 0 {
		r.pid = pid
	}
	if tier != 0 {
		r.tier = tier
	}
	if r.recovered && !r.dead {
		r.recovered = false
		r.graceDeadline = time.Time{}
	}
	return r.snapshot(), created
}

// Claim reports whether peer may speak for id, creating the client on first
// contact. The first verified peer binds the id; after that only the same
// process is accepted, verified or not. A restored client binds only to the
// pid it was persisted with.
func (s *Store) Claim(id tuning.ClientID, peer Peer, verified bool) bool {
	r, _ := s.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return verified && r.peer.same(peer)
	}
	if !verified {
		return true
	}
	if r.recovered && r.pid > 0 && r.pid != peer.PID {
		return false
	}
	r.bound = true
	r.peer = peer
	return true
}

// Restore registers a client rebuilt from persisted tunings. It is considered
// alive until deadline unless it reconnects.
func (s *Store) Restore(id tuning.ClientID, pid int, tier tuning.Tier, deadline time.Time) Info {
	r, _ := s.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = pid
	r.tier = tier
	r.recovered = true
	r.graceDeadline = deadline
	return r.snapshot()
}

// Get returns a copy of the client's state.
func (s *Store) Get(id tuning.ClientID) (Info, bool) {
	r := s.get(id)
	if r == nil {
		return Info{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), true
}

// SetClass records the priority class of the client's latest request.
func (s *Store) SetClass(id tuning.ClientID, class tuning.PriorityClass) {
	s.update(id, func(r *record) { r.class = class })
}

// AddPending counts one queued entry of request against a known client.
func (s *Store) AddPending(id tuning.ClientID, request tuning.RequestID) {
	s.update(id, func(r *record) { r.pending[request]++ })
}

// DonePending releases one queued entry of request.
func (s *Store) DonePending(id tuning.ClientID, request tuning.RequestID) {
	s.update(id, func(r *record) {
		if r.pending[request] <= 1 {
			delete(r.pending, request)
			return
		}
		r.pending[request]--
	})
}

// AddOwned records that the client holds an active tuning for key. It
// reports false, and records nothing, when the client is unknown or dead.
func (s *Store) AddOwned(id tuning.ClientID, key tuning.Key) bool {
	added := false
	s.update(id, func(r *record) {
		if r.dead {
			return
		}
		r.owned[key] = struct{}{}
		added = true
	})
	return added
}

// RemoveOwned drops key from the client's active set.
func (s *Store) RemoveOwned(id tuning.ClientID, key tuning.Key) {
	s.update(id, func(r *record) { delete(r.owned, key) })
}

// MarkDead flags the client for collection and reports whether it was alive.
func (s *Store) MarkDead(id tuning.ClientID) bool {
	changed := false
	s.update(id, func(r *record) {
		changed = !r.dead
		r.dead = true
	})
	return changed
}

// Release removes the client. It refuses while the client still owns tunings.
func (s *Store) Release(id tuning.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.clients[id]
	if !ok {
		return true
	}
	r.mu.Lock()
	busy := len(r.owned) > 0
	r.mu.Unlock()
	if busy {
		return false
	}
	delete(s.clients, id)
	return true
}

// List returns every client ordered by id.
func (s *Store) List() []Info {
	s.mu.RLock()
	records := make([]*record, 0, len(s.clients))
	for _, r := range s.clients {
		records = append(records, r)
	}
	s.mu.RUnlock()

	out := make([]Info, 0, len(records))
	for _, r := range records {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of clients.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Store) update(id tuning.ClientID, fn func(*record)) {
	r := s.get(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}
