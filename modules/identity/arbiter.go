// Package identity owns display-name claims per room, including the grace
// period during which a vacated name stays reserved for its last address.
package identity

import (
	"sync"
	"time"

	"github.com/example/realm-chat/domain/realm"
)

// Config holds arbiter settings.
type Config struct {
	GracePeriod   time.Duration
	MaxNameLength int
}

// Claim describes a successful name claim.
type Claim struct {
	Room string
	Name string
	// Reclaimed is set when the name was taken back by the address that held
	// it before, from a reservation or a still-open older session.
	Reclaimed bool
	// Previous is the name this session held before, if the claim was an
	// identity change.
	Previous string
}

// Stats is a point-in-time view of the arbiter.
type Stats struct {
	Claimed  int `json:"claimed"`
	Reserved int `json:"reserved"`
}

type nameKey struct {
	room string
	name string
}

type owner struct {
	session string
	address string
}

type roomNames struct {
	owners       map[string]owner
	reservations map[string]realm.NameReservation
}

func (r *roomNames) empty() bool {
	return len(r.owners) == 0 && len(r.reservations) == 0
}

// Arbiter maps display names to owning sessions. All tables are guarded by
// one mutex.
type Arbiter struct {
	cfg Config

	mu       sync.Mutex
	rooms    map[string]*roomNames
	sessions map[string]nameKey
}

// NewArbiter creates an Arbiter.
func NewArbiter(cfg Config) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		rooms:    make(map[string]*roomNames),
		sessions: make(map[string]nameKey),
	}
}

// Claim makes sessionID the owner of name in room. It fails with a
// *realm.ClaimError when another address holds or reserves the name, and
// with realm.ErrInvalidName when the name does not validate. A failed claim
// leaves every table untouched, including the session's current name.
func (a *Arbiter) Claim(room, name, sessionID, addr string, now time.Time) (Claim, error) {
	name, err := NormalizeName(name, a.cfg.MaxNameLength)
	if err != nil {
		return Claim{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := nameKey{room: room, name: name}
	claim := Claim{Room: room, Name: name}

	prev, hasPrev := a.sessions[sessionID]
	if hasPrev && prev == key {
		return claim, nil
	}

	rn := a.rooms[room]
	if rn != nil {
		if err := a.checkAvailable(rn, &claim, addr, now); err != nil {
			return Claim{}, err
		}
	} else {
		rn = &roomNames{
			owners:       make(map[string]owner),
			reservations: make(map[string]realm.NameReservation),
		}
		a.rooms[room] = rn
	}

	if hasPrev {
		a.dropOwner(prev, sessionID)
		claim.Previous = prev.name
	}
	rn.owners[name] = owner{session: sessionID, address: addr}
	a.sessions[sessionID] = key
	return claim, nil
}

// checkAvailable decides whether addr may take claim.Name in rn, clearing a
// reservation or an older same-address owner when it may. The caller holds
// a.mu.
func (a *Arbiter) checkAvailable(rn *roomNames, claim *Claim, addr string, now time.Time) error {
	if o, ok := rn.owners[claim.Name]; ok {
		if o.address != addr {
			return &realm.ClaimError{Room: claim.Room, Name: claim.Name}
		}
		// Same address: the older session is most likely a dead transport
		// that has not been reaped yet. It keeps its membership but loses
		// the name.
		delete(a.sessions, o.session)
		claim.Reclaimed = true
		return nil
	}

	r, ok := rn.reservations[claim.Name]
	if !ok {
		return nil
	}
	switch {
	case r.Expired(now):
		delete(rn.reservations, claim.Name)
	case r.VacatingAddress == addr:
		delete(rn.reservations, claim.Name)
		claim.Reclaimed = true
	default:
		return &realm.ClaimError{Room: claim.Room, Name: claim.Name, Wait: r.Remaining(now)}
	}
	return nil
}

// dropOwner frees key if sessionID still owns it. The caller holds a.mu.
func (a *Arbiter) dropOwner(key nameKey, sessionID string) bool {
	rn := a.rooms[key.room]
	if rn == nil {
		return false
	}
	if o, ok := rn.owners[key.name]; !ok || o.session != sessionID {
		return false
	}
	delete(rn.owners, key.name)
	return true
}

// Release is called when sessionID disconnects. If it still owned a name,
// the name is reserved for its address for the grace period and the
// reservation is returned.
func (a *Arbiter) Release(sessionID, addr string, now time.Time) (realm.NameReservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.sessions[sessionID]
	if !ok {
		return realm.NameReservation{}, false
	}
	delete(a.sessions, sessionID)

	if !a.dropOwner(key, sessionID) {
		return realm.NameReservation{}, false
	}

	rn := a.rooms[key.room]
	if a.cfg.GracePeriod <= 0 {
		if rn.empty() {
			delete(a.rooms, key.room)
		}
		return realm.NameReservation{}, false
	}

	res := realm.NameReservation{
		Room:            key.room,
		Name:            key.name,
		ReleaseAt:       now.Add(a.cfg.GracePeriod),
		VacatingAddress: addr,
	}
	rn.reservations[key.name] = res
	return res, true
}

// Sweep removes reservations whose grace period has passed and returns how
// many were removed. Claim already ignores expired reservations, so Sweep
// only bounds memory.
func (a *Arbiter) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for room, rn := range a.rooms {
		for name, r := range rn.reservations {
			if r.Expired(now) {
				delete(rn.reservations, name)
				removed++
			}
		}
		if rn.empty() {
			delete(a.rooms, room)
		}
	}
	return removed
}

// Owner returns the session that owns name in room.
func (a *Arbiter) Owner(room, name string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rn := a.rooms[room]
	if rn == nil {
		return "", false
	}
	o, ok := rn.owners[name]
	return o.session, ok
}

// Reservation returns the pending reservation for name in room, if any.
func (a *Arbiter) Reservation(room, name string, now time.Time) (realm.NameReservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rn := a.rooms[room]
	if rn == nil {
		return realm.NameReservation{}, false
	}
	r, ok := rn.reservations[name]
	if !ok || r.Expired(now) {
		return realm.NameReservation{}, false
	}
	return r, true
}

// Stats returns the number of claimed and reserved names.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for _, rn := range a.rooms {
		s.Claimed += len(rn.owners)
		s.Reserved += len(rn.reservations)
	}
	return s
}
