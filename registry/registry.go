// registry/registry.go
package registry

import (
	"sync"

	"github.com/wfunc/proximity/room"
)

// Registry 进程级的房间与客户端集合
//
// Its only operations add and remove whole room/client references;
// per-room state stays inside the rooms. Tests construct their own
// isolated instances.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room.Room
	clients map[string]room.Client // uuid -> session
}

func New() *Registry {
	return &Registry{
		rooms:   make(map[string]*room.Room),
		clients: make(map[string]room.Client),
	}
}

// GetOrCreate returns the live room for a key or builds one with the
// supplied constructor. The constructor runs outside any other room's
// lock but under the registry lock, so two clients racing for the same
// game end up in one room.
func (g *Registry) GetOrCreate(key string, create func() *room.Room) *room.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[key]; ok {
		return r
	}
	r := create()
	g.rooms[key] = r
	return r
}

func (g *Registry) GetRoom(key string) (*room.Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[key]
	return r, ok
}

func (g *Registry) RemoveRoom(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, key)
}

// Rooms returns a snapshot of every live room.
func (g *Registry) Rooms() []*room.Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

func (g *Registry) AddClient(c room.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.UUID()] = c
}

func (g *Registry) RemoveClient(uuid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, uuid)
}

// Clients returns a snapshot of every connected client.
func (g *Registry) Clients() []room.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]room.Client, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

func (g *Registry) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
