package muc

import (
	"sort"
	"sync"
)

// Roster holds the occupants of every room with presence. A nick is present
// in a room iff the occupant currently holds presence there.
type Roster struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Occupant
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{
		rooms: make(map[string]map[string]Occupant),
	}
}

// Set sets or updates an occupant
func (r *Roster) Set(room string, o Occupant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]Occupant)
	}
	r.rooms[room][o.Nick] = o
}

// Get returns an occupant by nick
func (r *Roster) Get(room, nick string) (Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.rooms[room][nick]
	return o, ok
}

// Remove removes an occupant
func (r *Roster) Remove(room, nick string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occupants := r.rooms[room]
	if occupants == nil {
		return
	}
	delete(occupants, nick)
	if len(occupants) == 0 {
		delete(r.rooms, room)
	}
}

// Rename moves the occupant under oldNick to newNick, keeping the rest of
// the snapshot. It reports false if oldNick is not present.
func (r *Roster) Rename(room, oldNick, newNick string) (Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occupants := r.rooms[room]
	o, ok := occupants[oldNick]
	if !ok {
		return Occupant{}, false
	}
	delete(occupants, oldNick)
	o = o.WithNick(newNick)
	occupants[newNick] = o
	return o, true
}

// RemoveRoom forgets every occupant of room
func (r *Roster) RemoveRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, room)
}

// Occupants returns the occupants of room sorted by nick
func (r *Roster) Occupants(room string) []Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	occupants := make([]Occupant, 0, len(r.rooms[room]))
	for _, o := range r.rooms[room] {
		occupants = append(occupants, o)
	}
	sort.Slice(occupants, func(i, j int) bool { return occupants[i].Nick < occupants[j].Nick })
	return occupants
}

// Rooms returns the rooms with at least one occupant
func (r *Roster) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Clear removes all occupants
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]map[string]Occupant)
}
