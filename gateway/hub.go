package gateway

import "sync"

// hub tracks open connections and the rooms each one joined.
type hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	joined map[*conn]map[string]struct{}
}

func newHub() *hub {
	return &hub{
		rooms:  make(map[string]map[*conn]struct{}),
		joined: make(map[*conn]map[string]struct{}),
	}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined[c] = make(map[string]struct{})
}

// remove drops c from every room it joined.
func (h *hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joined[c] {
		h.leaveLocked(room, c)
	}
	delete(h.joined, c)
}

func (h *hub) join(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[c]
	if !ok {
		// Connection already closed.
		return
	}
	rooms[room] = struct{}{}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *hub) leave(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rooms, ok := h.joined[c]; ok {
		delete(rooms, room)
	}
	h.leaveLocked(room, c)
}

func (h *hub) leaveLocked(room string, c *conn) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *hub) inRoom(room string, c *conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// members returns a snapshot of the connections joined to room.
func (h *hub) members(room string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// present returns the ids of users with at least one connection in room.
func (h *hub) present(room string) map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out[c.id.UserID] = true
	}
	return out
}

func (h *hub) all() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.joined))
	for c := range h.joined {
		out = append(out, c)
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns the function releasing it.
func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
