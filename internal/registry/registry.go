// Package registry tracks which participant identities are present in which
// room and maps each identity to its current signaling endpoint.
package registry

import (
	"crypto/rand"
	"slices"
	"sort"
	"sync"
	"time"
)

// Member is one live registration in a room.
type Member struct {
	Identity   string    `json:"identity"`
	EndpointID string    `json:"endpointId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Notifier observes membership changes. It is called while the room's lock is
// held so notifications for one room are delivered in mutation order; it must
// not block and must not call back into the Registry.
type Notifier interface {
	// Admitted is called for every successful join, including a quiet re-join,
	// before the other members are told. others excludes self.
	Admitted(room string, self Member, others []Member)
	// MemberJoined is called after joined was added; others excludes joined.
	MemberJoined(room string, joined Member, others []Member)
	// MemberLeft is called after left was removed; others are the remaining members.
	MemberLeft(room string, left Member, others []Member)
}

type JoinResult struct {
	Room    string
	Self    Member
	Members []Member
	// Replaced is the earlier registration of the same identity, if any.
	Replaced *Member
	// Rejoin is set when the same endpoint re-sent an identical join.
	Rejoin bool
}

type RoomInfo struct {
	ID        string    `json:"id"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

type Config struct {
	// MaxMembers caps each room; 0 means unlimited.
	MaxMembers int
	// MaxIDBytes bounds identity and room id lengths.
	MaxIDBytes int
	Notifier   Notifier
	Now        func() time.Time
}

type location struct {
	room     string
	identity string
}

type room struct {
	id      string
	created time.Time

	mu      sync.Mutex
	members map[string]Member
	order   []string
	dead    bool
}

type Registry struct {
	cfg Config

	mu        sync.Mutex
	rooms     map[string]*room
	endpoints map[string]location
}

func New(cfg Config) *Registry {
	if cfg.MaxIDBytes <= 0 {
		cfg.MaxIDBytes = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:       cfg,
		rooms:     make(map[string]*room),
		endpoints: make(map[string]location),
	}
}

// Join registers identity in roomID for endpointID and returns the other
// members. Invalid input fails with an error matching ErrInvalidJoin and
// changes nothing. An endpoint registered elsewhere leaves its previous room
// first; an identity already present under another endpoint is replaced.
func (r *Registry) Join(roomID, identity, endpointID string) (JoinResult, error) {
	if err := validateRoomID(roomID, r.cfg.MaxIDBytes); err != nil {
		return JoinResult{}, err
	}
	if err := validateIdentity(identity, r.cfg.MaxIDBytes); err != nil {
		return JoinResult{}, err
	}
	if endpointID == "" {
		return JoinResult{}, &JoinError{Field: "endpoint", Reason: "is required"}
	}

	r.mu.Lock()
	prev, registered := r.endpoints[endpointID]
	r.mu.Unlock()
	if registered && (prev.room != roomID || prev.identity != identity) {
		r.LeaveEndpoint(endpointID)
	}

	for {
		rm := r.roomForJoin(roomID)
		res, retry, err := r.joinLocked(rm, identity, endpointID)
		if retry {
			continue
		}
		return res, err
	}
}

func (r *Registry) roomForJoin(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, created: r.cfg.Now(), members: make(map[string]Member)}
		r.rooms[roomID] = rm
	}
	return rm
}

func (r *Registry) joinLocked(rm *room, identity, endpointID string) (res JoinResult, retry bool, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.dead {
		return JoinResult{}, true, nil
	}

	if existing, ok := rm.members[identity]; ok {
		if existing.EndpointID == endpointID {
			others := rm.snapshotLocked(identity)
			if n := r.cfg.Notifier; n != nil {
				n.Admitted(rm.id, existing, others)
			}
			return JoinResult{Room: rm.id, Self: existing, Members: others, Rejoin: true}, false, nil
		}
		rm.removeLocked(identity)
		r.unindex(existing.EndpointID, rm.id, identity)
		res.Replaced = &existing
		r.notifyLeft(rm, existing)
	}

	if r.cfg.MaxMembers > 0 && len(rm.members) >= r.cfg.MaxMembers {
		r.destroyIfEmptyLocked(rm)
		return JoinResult{}, false, ErrRoomFull
	}

	self := Member{Identity: identity, EndpointID: endpointID, JoinedAt: r.cfg.Now()}
	rm.members[identity] = self
	rm.order = append(rm.order, identity)

	r.mu.Lock()
	r.endpoints[endpointID] = location{room: rm.id, identity: identity}
	r.mu.Unlock()

	others := rm.snapshotLocked(identity)
	if n := r.cfg.Notifier; n != nil {
		n.Admitted(rm.id, self, others)
		n.MemberJoined(rm.id, self, others)
	}

	res.Room = rm.id
	res.Self = self
	res.Members = others
	return res, false, nil
}

// Leave removes identity from roomID. It is idempotent and never fails; a
// missing room or member reports false.
func (r *Registry) Leave(roomID, identity string) (Member, bool) {
	return r.leave(roomID, identity, "")
}

// LeaveEndpoint removes whatever registration endpointID currently holds. It
// is the abrupt-disconnect path and is a no-op when the endpoint was already
// replaced or never joined.
func (r *Registry) LeaveEndpoint(endpointID string) (string, Member, bool) {
	r.mu.Lock()
	loc, ok := r.endpoints[endpointID]
	r.mu.Unlock()
	if !ok {
		return "", Member{}, false
	}
	m, ok := r.leave(loc.room, loc.identity, endpointID)
	return loc.room, m, ok
}

func (r *Registry) leave(roomID, identity, endpointID string) (Member, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return Member{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.dead {
		return Member{}, false
	}
	m, ok := rm.members[identity]
	if !ok || (endpointID != "" && m.EndpointID != endpointID) {
		return Member{}, false
	}
	rm.removeLocked(identity)
	r.unindex(m.EndpointID, roomID, identity)
	r.notifyLeft(rm, m)
	r.destroyIfEmptyLocked(rm)
	return m, true
}

// Members returns the members of roomID in join order.
func (r *Registry) Members(roomID string) []Member {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked("")
}

// Lookup resolves identity in roomID to its live registration.
func (r *Registry) Lookup(roomID, identity string) (Member, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return Member{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[identity]
	return m, ok
}

// Locate returns where endpointID is currently registered.
func (r *Registry) Locate(endpointID string) (roomID, identity string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.endpoints[endpointID]
	return loc.room, loc.identity, ok
}

// Rooms lists live rooms sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.dead && len(rm.members) > 0 {
			out = append(out, RoomInfo{ID: rm.id, Members: len(rm.members), CreatedAt: rm.created})
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

const roomIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateRoomID returns a fresh six-character room code that is not in use.
func (r *Registry) GenerateRoomID() (string, error) {
	for {
		var b [6]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", err
		}
		for i := range b {
			b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
		}
		id := string(b[:])
		r.mu.Lock()
		_, taken := r.rooms[id]
		r.mu.Unlock()
		if !taken {
			return id, nil
		}
	}
}

func (r *Registry) notifyLeft(rm *room, left Member) {
	if n := r.cfg.Notifier; n != nil {
		n.MemberLeft(rm.id, left, rm.snapshotLocked(""))
	}
}

func (r *Registry) unindex(endpointID, roomID, identity string) {
	r.mu.Lock()
	if loc, ok := r.endpoints[endpointID]; ok && loc.room == roomID && loc.identity == identity {
		delete(r.endpoints, endpointID)
	}
	r.mu.Unlock()
}

func (r *Registry) destroyIfEmptyLocked(rm *room) {
	if len(rm.members) > 0 {
		return
	}
	rm.dead = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

func (rm *room) removeLocked(identity string) {
	delete(rm.members, identity)
	if i := slices.Index(rm.order, identity); i >= 0 {
		rm.order = slices.Delete(rm.order, i, i+1)
	}
}

func (rm *room) snapshotLocked(exclude string) []Member {
	out := make([]Member, 0, len(rm.order))
	for _, id := range rm.order {
		if id == exclude {
			continue
		}
		out = append(out, rm.members[id])
	}
	return out
}
