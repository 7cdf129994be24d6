// room/room.go
package room

import (
	"sync"
	"time"

	"github.com/wfunc/proximity/backend"
	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
)

const (
	maintenanceNotice = "The server is going into maintenance, you will not be able to start another game."
	closedNotice      = "Game closed for maintenance."
)

// Room 一局游戏的语音状态容器
//
// A room subscribes to exactly one backend adapter, folds its canonical
// events into authoritative player state and fans every delta out to the
// connected clients. State is only ever mutated under r.mu by the
// room's own handlers and public operations.
type Room struct {
	Key     string
	Backend models.BackendModel

	adapter        backend.Adapter
	routers        RouterProvider
	registry       Registry
	events         EventCounter
	gameEndTimeout time.Duration

	mu            sync.Mutex
	players       map[string]*models.PlayerModel // PlayerKey -> model
	clients       []Client                       // join order
	bans          map[string]struct{}            // remote address -> banned
	gameState     models.GameState
	gameFlags     models.GameFlag
	hostName      string
	settings      models.GameSettings
	options       models.HostOptions
	router        Router
	routerPending bool
	destroyed     bool
	lobbyWaiters  []chan struct{}
	quit          chan struct{}
}

// Deps 房间对外部子系统的依赖
type Deps struct {
	// Adapter overrides the adapter built from the backend model.
	// Tests inject their own; production leaves it nil.
	Adapter        backend.Adapter
	BackendOptions backend.Options
	Routers        RouterProvider
	Registry       Registry
	EventCounter   EventCounter
	GameEndTimeout time.Duration
}

// NewRoom builds the adapter for the backend model, starts consuming
// its event stream and kicks off the async router allocation.
func NewRoom(model models.BackendModel, deps Deps) *Room {
	adapter := deps.Adapter
	if adapter == nil {
		adapter = backend.New(model, deps.BackendOptions)
	}
	timeout := deps.GameEndTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := &Room{
		Key:            model.Key(),
		Backend:        model,
		adapter:        adapter,
		routers:        deps.Routers,
		registry:       deps.Registry,
		events:         deps.EventCounter,
		gameEndTimeout: timeout,
		players:        make(map[string]*models.PlayerModel),
		bans:           make(map[string]struct{}),
		settings:       models.DefaultGameSettings(),
		options:        models.DefaultHostOptions(),
		quit:           make(chan struct{}),
	}

	go r.loop()
	if err := adapter.Initialize(); err != nil {
		logger.Log.Errorf("room %s: backend initialize failed: %v", r.Key, err)
	}
	r.EnsureRouter()

	return r
}

func (r *Room) loop() {
	for {
		select {
		case ev := <-r.adapter.Events():
			r.apply(ev)
		case <-r.quit:
			return
		}
	}
}

// EnsureRouter requests an audio transport handle if the room has none.
// Allocation failure is logged, never fatal; the heartbeat sweep calls
// this again for rooms still missing a handle.
func (r *Room) EnsureRouter() {
	r.mu.Lock()
	if r.destroyed || r.router != nil || r.routerPending || r.routers == nil {
		r.mu.Unlock()
		return
	}
	r.routerPending = true
	r.mu.Unlock()

	go func() {
		h, err := r.routers.CreateRouter()
		r.mu.Lock()
		r.routerPending = false
		if err != nil {
			r.mu.Unlock()
			logger.Log.Errorf("room %s: router allocation failed: %v", r.Key, err)
			return
		}
		if r.destroyed {
			r.mu.Unlock()
			h.Close()
			return
		}
		r.router = h
		r.mu.Unlock()
	}()
}

// AddClient routes a freshly connected session into the room. Banned
// addresses are told to leave with ban context and nothing else
// changes. Roster sync happens before any state sync so the new client
// never hears about an unknown peer.
func (r *Room) AddClient(c Client) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		c.RemoveClient(c.UUID(), false)
		return
	}
	if _, banned := r.bans[c.RemoteAddr()]; banned {
		r.mu.Unlock()
		c.RemoveClient(c.UUID(), true)
		return
	}
	for _, existing := range r.clients {
		if existing.UUID() == c.UUID() {
			r.mu.Unlock()
			return
		}
	}

	player := r.getPlayerLocked(c.Name())
	self := *player
	existing := r.clientsSnapshotLocked()
	r.clients = append(r.clients, c)

	// The lock stays held through the whole sync sequence: event
	// handlers snapshot the client list under this same lock, so no
	// delta can reach the new client before its roster sync.
	roster := make([]ClientInfo, len(existing))
	for i, e := range existing {
		roster[i] = ClientInfo{UUID: e.UUID(), Name: e.Name()}
	}
	c.SyncAllClients(roster)

	for _, peer := range existing {
		model := *r.getPlayerLocked(peer.Name())
		peer.AddClient(c.UUID(), self.Name, self.Position, self.Color)
		peer.SetPoseOf(c.UUID(), self.Position)
		peer.SetColorOf(c.UUID(), self.Color)

		c.SetColorOf(peer.UUID(), model.Color)
		c.SetPoseOf(peer.UUID(), model.Position)
		c.SetFlagsOf(peer.UUID(), model.Flags)
	}

	c.SetPoseOf(c.UUID(), self.Position)
	c.SetColorOf(c.UUID(), self.Color)
	c.SetGameState(r.gameState)
	c.SetGameFlags(r.gameFlags)
	c.SetSettings(r.settings)
	c.SetHost(r.hostName)
	c.SetOptions(r.options)
	r.mu.Unlock()

	logger.Log.Infof("room %s: client %s (%s) joined", r.Key, c.UUID(), c.Name())
}

// RemoveClient takes a session out of the room, notifying everyone
// (the leaving client included). The last client leaving destroys the
// room.
func (r *Room) RemoveClient(c Client, ban bool) {
	r.mu.Lock()
	all := r.clientsSnapshotLocked()
	filtered := make([]Client, 0, len(r.clients))
	for _, s := range r.clients {
		if s.UUID() != c.UUID() {
			filtered = append(filtered, s)
		}
	}
	removed := len(filtered) != len(r.clients)
	r.clients = filtered
	if ban && removed {
		r.bans[c.RemoteAddr()] = struct{}{}
	}
	empty := removed && len(filtered) == 0
	r.mu.Unlock()

	if !removed {
		return
	}

	for _, s := range all {
		s.RemoveClient(c.UUID(), ban)
	}
	logger.Log.Infof("room %s: client %s left (ban=%v)", r.Key, c.UUID(), ban)

	if empty {
		r.Destroy()
	}
}

// SetOptions replaces the proximity options and pushes them to every
// client except the host, who already has them, unless forced.
func (r *Room) SetOptions(options models.HostOptions, force bool) {
	r.mu.Lock()
	r.options = options
	hostKey := models.PlayerKey(r.hostName)
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		if force || models.PlayerKey(c.Name()) != hostKey {
			c.SetOptions(options)
		}
	}
}

// SetOptionsFrom applies an options update coming from a client,
// honoring it only when that client is the current host.
func (r *Room) SetOptionsFrom(c Client, options models.HostOptions) {
	r.mu.Lock()
	isHost := r.hostName != "" && models.PlayerKey(c.Name()) == models.PlayerKey(r.hostName)
	r.mu.Unlock()
	if isHost {
		r.SetOptions(options, false)
	}
}

// GracefulDestroy warns the clients, waits for the game to return to
// the lobby (or the timeout, whichever fires first) and then tears the
// room down unconditionally.
func (r *Room) GracefulDestroy() {
	r.mu.Lock()
	if r.gameState != models.GameStateLobby && !r.destroyed {
		wait := make(chan struct{})
		r.lobbyWaiters = append(r.lobbyWaiters, wait)
		clients := r.clientsSnapshotLocked()
		r.mu.Unlock()

		for _, c := range clients {
			c.SendError(maintenanceNotice, false)
		}

		timer := time.NewTimer(r.gameEndTimeout)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	} else {
		r.mu.Unlock()
	}

	r.mu.Lock()
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()
	for _, c := range clients {
		c.SendError(closedNotice, true)
	}

	r.Destroy()
}

// Destroy completes only once the client list is empty: with clients
// still attached it asks each one to leave and returns, relying on the
// resulting RemoveClient calls to finish the job. The final pass is
// guarded against running twice.
func (r *Room) Destroy() {
	r.mu.Lock()
	if len(r.clients) > 0 {
		clients := r.clientsSnapshotLocked()
		r.mu.Unlock()
		for _, c := range clients {
			c.LeaveRoom()
		}
		return
	}
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	router := r.router
	r.router = nil
	waiters := r.lobbyWaiters
	r.lobbyWaiters = nil
	close(r.quit)
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if r.registry != nil {
		r.registry.RemoveRoom(r.Key)
	}
	if router != nil && !router.Closed() {
		if err := router.Close(); err != nil {
			logger.Log.Warnf("room %s: router close failed: %v", r.Key, err)
		}
	}
	if err := r.adapter.Destroy(); err != nil {
		logger.Log.Warnf("room %s: backend destroy failed: %v", r.Key, err)
	}
	logger.Log.Infof("room %s destroyed", r.Key)
}

// --- snapshot accessors ---

func (r *Room) GameState() models.GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameState
}

func (r *Room) GameFlags() models.GameFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameFlags
}

func (r *Room) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostName
}

func (r *Room) Options() models.HostOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

func (r *Room) Settings() models.GameSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *Room) HasRouter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.router != nil
}

// Player returns a copy of the tracked model for a name, if any.
func (r *Room) Player(name string) (models.PlayerModel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[models.PlayerKey(name)]
	if !ok {
		return models.PlayerModel{}, false
	}
	return *p, true
}

// --- locked helpers ---

func (r *Room) getPlayerLocked(name string) *models.PlayerModel {
	key := models.PlayerKey(name)
	if p, ok := r.players[key]; ok {
		return p
	}
	p := models.NewPlayerModel(name)
	r.players[key] = p
	return p
}

func (r *Room) clientByKeyLocked(key string) Client {
	for _, c := range r.clients {
		if models.PlayerKey(c.Name()) == key {
			return c
		}
	}
	return nil
}

func (r *Room) clientsSnapshotLocked() []Client {
	out := make([]Client, len(r.clients))
	copy(out, r.clients)
	return out
}
