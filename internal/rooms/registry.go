package rooms

import "sync"

// Registry tracks which users are members of which proposal room. It is
// strictly process-local: a restart loses all membership and clients are
// expected to rejoin. Only the gateway mutates it.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // proposalID -> set of userIDs
}

func New() *Registry {
	return &Registry{members: make(map[string]map[string]struct{})}
}

// Join adds userID to the room's member set. Idempotent.
func (r *Registry) Join(proposalID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[proposalID]
	if !ok {
		set = make(map[string]struct{})
		r.members[proposalID] = set
	}
	set[userID] = struct{}{}
}

// Leave removes userID from the room's member set. Idempotent. The room
// entry itself is dropped once its set is empty, so dead rooms hold no
// memory.
func (r *Registry) Leave(proposalID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[proposalID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.members, proposalID)
	}
}

// MembersOf returns a snapshot of the room's member set, never a live
// reference. Unknown rooms yield an empty slice.
func (r *Registry) MembersOf(proposalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[proposalID]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// Contains reports whether userID is currently a member of the room.
func (r *Registry) Contains(proposalID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[proposalID][userID]
	return ok
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
