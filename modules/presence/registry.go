package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/realm-chat/domain/realm"
)

// Member is a session as seen by the registry.
type Member interface {
	ID() string
	DisplayName() string
	// Deliver queues payload for the member without blocking and reports
	// whether it was accepted. A closed member returns false.
	Deliver(payload []byte) bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Rooms   int   `json:"rooms"`
	Members int   `json:"members"`
	Dropped int64 `json:"dropped"`
}

// room holds one room's members. Its mutex is also the room's ordering lock:
// membership changes, presence broadcasts and chat fan-out for a room happen
// one at a time and in the order they took the lock.
type room struct {
	name    string
	mu      sync.Mutex
	members map[string]Member
	dead    bool
}

func (rm *room) presence() realm.Presence {
	names := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		names = append(names, m.DisplayName())
	}
	return realm.NewPresence(rm.name, names)
}

// Registry maps room names to their members and fans out broadcasts.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	dropped atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// acquire returns the named room locked, creating it if needed.
func (r *Registry) acquire(name string) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[name]
		if !ok {
			rm = &room{name: name, members: make(map[string]Member)}
			r.rooms[name] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.dead {
			return rm
		}
		// Swept between lookup and lock; a fresh room replaces it.
		rm.mu.Unlock()
	}
}

// lookup returns the named room locked, or nil if it does not exist.
func (r *Registry) lookup(name string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	if rm.dead {
		rm.mu.Unlock()
		return nil
	}
	return rm
}

// Join adds m to the room and broadcasts the new presence to every member,
// m included. prime runs under the room's ordering lock before m becomes
// visible, so whatever it queues for m arrives ahead of any later broadcast.
func (r *Registry) Join(name string, m Member, prime func()) realm.Presence {
	rm := r.acquire(name)
	defer rm.mu.Unlock()

	if prime != nil {
		prime()
	}
	rm.members[m.ID()] = m

	p := rm.presence()
	r.fanOutPresence(rm, p)
	return p
}

// Leave removes m from the room and broadcasts the new presence to the
// remaining members. It reports false if m was not a member.
func (r *Registry) Leave(name string, m Member) (realm.Presence, bool) {
	rm := r.lookup(name)
	if rm == nil {
		return realm.Presence{Room: name}, false
	}
	defer rm.mu.Unlock()

	if _, ok := rm.members[m.ID()]; !ok {
		return rm.presence(), false
	}
	delete(rm.members, m.ID())

	p := rm.presence()
	r.fanOutPresence(rm, p)
	return p, true
}

// Refresh rebroadcasts the room's presence, for example after a member
// changed its display name.
func (r *Registry) Refresh(name string) realm.Presence {
	rm := r.lookup(name)
	if rm == nil {
		return realm.NewPresence(name, nil)
	}
	defer rm.mu.Unlock()

	p := rm.presence()
	r.fanOutPresence(rm, p)
	return p
}

// Broadcast delivers payload to every member except exclude and returns the
// number of members that accepted it.
func (r *Registry) Broadcast(name string, payload []byte, exclude string) int {
	return r.Dispatch(name, exclude, func() ([]byte, bool) { return payload, true })
}

// Dispatch runs produce under the room's ordering lock and fans the payload
// it returns out to every member except exclude. Nothing is sent when
// produce returns false. Dispatch on an unknown room does not call produce.
func (r *Registry) Dispatch(name, exclude string, produce func() ([]byte, bool)) int {
	rm := r.lookup(name)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()

	payload, ok := produce()
	if !ok {
		return 0
	}
	return r.fanOut(rm, payload, exclude)
}

// fanOut is called with rm.mu held. Delivery never blocks.
func (r *Registry) fanOut(rm *room, payload []byte, exclude string) int {
	delivered := 0
	for id, m := range rm.members {
		if id == exclude {
			continue
		}
		if m.Deliver(payload) {
			delivered++
		} else {
			r.dropped.Add(1)
		}
	}
	return delivered
}

func (r *Registry) fanOutPresence(rm *room, p realm.Presence) {
	r.fanOut(rm, realm.EncodeUserCount(p.Count), "")
	r.fanOut(rm, realm.EncodeOnlineUsers(p.Names), "")
}

// Presence returns the room's presence snapshot.
func (r *Registry) Presence(name string) realm.Presence {
	rm := r.lookup(name)
	if rm == nil {
		return realm.NewPresence(name, nil)
	}
	defer rm.mu.Unlock()
	return rm.presence()
}

// Rooms returns a presence snapshot of every room with at least one member,
// sorted by name.
func (r *Registry) Rooms() []realm.Presence {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	result := make([]realm.Presence, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.dead && len(rm.members) > 0 {
			result = append(result, rm.presence())
		}
		rm.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Room < result[j].Room })
	return result
}

// Sweep drops empty rooms and returns how many were dropped. Rooms whose
// lock is busy are skipped until the next sweep.
func (r *Registry) Sweep(_ time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, rm := range r.rooms {
		if !rm.mu.TryLock() {
			continue
		}
		if len(rm.members) == 0 {
			rm.dead = true
			delete(r.rooms, name)
			removed++
		}
		rm.mu.Unlock()
	}
	return removed
}

// Stats returns room and member counts and the number of dropped deliveries.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	s := Stats{Rooms: len(rooms), Dropped: r.dropped.Load()}
	for _, rm := range rooms {
		rm.mu.Lock()
		s.Members += len(rm.members)
		rm.mu.Unlock()
	}
	return s
}
