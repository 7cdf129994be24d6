package room

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/proximity/backend"
	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
)

func TestMain(m *testing.M) {
	logger.InitDevelopment()
	m.Run()
}

var errFailedRouter = errors.New("no transport capacity")

// mockAdapter is a test double for backend.Adapter; tests drive the
// room by writing canonical events to its channel.
type mockAdapter struct {
	events chan backend.Event

	mu          sync.Mutex
	initialized int
	destroyed   int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{events: make(chan backend.Event, 64)}
}

func (a *mockAdapter) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized++
	return nil
}

func (a *mockAdapter) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed++
	return nil
}

func (a *mockAdapter) Events() <-chan backend.Event { return a.events }

func (a *mockAdapter) destroyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

func (a *mockAdapter) emit(ev backend.Event) { a.events <- ev }

// mockRouter is a test double for the audio transport handle.
type mockRouter struct {
	mu         sync.Mutex
	closed     bool
	closeCount int
}

func (r *mockRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.closeCount++
	return nil
}

func (r *mockRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *mockRouter) closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCount
}

type mockProvider struct {
	mu     sync.Mutex
	router *mockRouter
	err    error
	calls  int
}

func (p *mockProvider) CreateRouter() (Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.router, nil
}

type mockRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (g *mockRegistry) RemoveRoom(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, key)
}

func (g *mockRegistry) removedKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.removed...)
}

type opCall struct {
	op   string
	uuid string
}

// mockClient records every push the room makes against it.
type mockClient struct {
	uuid string
	name string
	addr string

	mu      sync.Mutex
	room    *Room
	ops     []opCall
	poses   map[string]models.Pose
	colors  map[string]int
	vents   map[string]int
	flags   map[string]models.PlayerFlag
	states  []models.GameState
	errors  []struct {
		message string
		fatal   bool
	}
	removals []struct {
		uuid string
		ban  bool
	}
	options []models.HostOptions
}

func newMockClient(uuid, name, addr string) *mockClient {
	return &mockClient{
		uuid:   uuid,
		name:   name,
		addr:   addr,
		poses:  make(map[string]models.Pose),
		colors: make(map[string]int),
		vents:  make(map[string]int),
		flags:  make(map[string]models.PlayerFlag),
	}
}

func (c *mockClient) join(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	r.AddClient(c)
}

func (c *mockClient) record(op, uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, opCall{op: op, uuid: uuid})
}

func (c *mockClient) UUID() string       { return c.uuid }
func (c *mockClient) Name() string       { return c.name }
func (c *mockClient) RemoteAddr() string { return c.addr }

func (c *mockClient) SyncAllClients(clients []ClientInfo) { c.record("SyncAllClients", "") }

func (c *mockClient) AddClient(uuid, name string, position models.Pose, color int) {
	c.record("AddClient", uuid)
}

func (c *mockClient) RemoveClient(uuid string, ban bool) {
	c.record("RemoveClient", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removals = append(c.removals, struct {
		uuid string
		ban  bool
	}{uuid, ban})
}

func (c *mockClient) SetPoseOf(uuid string, position models.Pose) {
	c.record("SetPoseOf", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poses[uuid] = position
}

func (c *mockClient) SetColorOf(uuid string, color int) {
	c.record("SetColorOf", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.colors[uuid] = color
}

func (c *mockClient) SetVentOf(uuid string, ventID int) {
	c.record("SetVentOf", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vents[uuid] = ventID
}

func (c *mockClient) SetFlagsOf(uuid string, flags models.PlayerFlag) {
	c.record("SetFlagsOf", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[uuid] = flags
}

func (c *mockClient) SetHost(name string)                      { c.record("SetHost", "") }
func (c *mockClient) SetGameFlags(flags models.GameFlag)       { c.record("SetGameFlags", "") }
func (c *mockClient) SetSettings(settings models.GameSettings) { c.record("SetSettings", "") }

func (c *mockClient) SetGameState(state models.GameState) {
	c.record("SetGameState", "")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *mockClient) SetOptions(options models.HostOptions) {
	c.record("SetOptions", "")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = append(c.options, options)
}

func (c *mockClient) SendError(message string, fatal bool) {
	c.record("SendError", "")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, struct {
		message string
		fatal   bool
	}{message, fatal})
}

func (c *mockClient) LeaveRoom() {
	c.mu.Lock()
	r := c.room
	c.room = nil
	c.mu.Unlock()
	if r != nil {
		r.RemoveClient(c, false)
	}
}

func (c *mockClient) opCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.ops {
		if call.op == op {
			n++
		}
	}
	return n
}

func (c *mockClient) opIndex(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, call := range c.ops {
		if call.op == op {
			return i
		}
	}
	return -1
}

func (c *mockClient) errorList() []struct {
	message string
	fatal   bool
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]struct {
		message string
		fatal   bool
	}(nil), c.errors...)
}

func newTestRoom(timeout time.Duration) (*Room, *mockAdapter, *mockProvider, *mockRegistry) {
	adapter := newMockAdapter()
	provider := &mockProvider{router: &mockRouter{}}
	reg := &mockRegistry{}
	model := models.BackendModel{Type: models.BackendTypeNone, GameCode: "TEST"}
	r := NewRoom(model, Deps{
		Adapter:        adapter,
		Routers:        provider,
		Registry:       reg,
		GameEndTimeout: timeout,
	})
	return r, adapter, provider, reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoom_EventFold(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	adapter.emit(backend.PlayerPoseEvent{Name: "Alice", Position: models.Pose{X: 1, Y: 2}})
	adapter.emit(backend.PlayerPoseEvent{Name: "Alice", Position: models.Pose{X: 3, Y: 4}})
	adapter.emit(backend.PlayerColorEvent{Name: "Alice", Color: 7})
	adapter.emit(backend.PlayerVentEvent{Name: "Alice", VentID: 2})
	adapter.emit(backend.PlayerFlagsEvent{Name: "Alice", Flags: models.PlayerFlagDead, Set: true})
	adapter.emit(backend.PlayerFlagsEvent{Name: "Alice", Flags: models.PlayerFlagOnCams, Set: true})
	adapter.emit(backend.PlayerFlagsEvent{Name: "Alice", Flags: models.PlayerFlagDead, Set: false})

	waitFor(t, "events applied", func() bool {
		p, ok := r.Player("alice")
		return ok && p.Flags == models.PlayerFlagOnCams
	})

	p, ok := r.Player("ALICE ")
	if !ok {
		t.Fatal("player lookup should be case-insensitive and trimmed")
	}
	if p.Position != (models.Pose{X: 3, Y: 4}) {
		t.Errorf("pose should be the last pose event, got %+v", p.Position)
	}
	if p.Color != 7 {
		t.Errorf("expected color 7, got %d", p.Color)
	}
	if p.VentID != 2 {
		t.Errorf("expected vent 2, got %d", p.VentID)
	}
	if p.Flags != models.PlayerFlagOnCams {
		t.Errorf("flag fold wrong, got %v", p.Flags)
	}
}

func TestRoom_FlagSetUnsetRestores(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	adapter.emit(backend.PlayerFlagsEvent{Name: "bob", Flags: models.PlayerFlagOnCams, Set: true})
	waitFor(t, "initial flags", func() bool {
		p, ok := r.Player("bob")
		return ok && p.Flags == models.PlayerFlagOnCams
	})

	adapter.emit(backend.PlayerFlagsEvent{Name: "bob", Flags: models.PlayerFlagDead, Set: true})
	adapter.emit(backend.PlayerFlagsEvent{Name: "bob", Flags: models.PlayerFlagDead, Set: false})

	waitFor(t, "flags restored", func() bool {
		p, _ := r.Player("bob")
		return p.Flags == models.PlayerFlagOnCams
	})
}

func TestRoom_LobbyResetsFlags(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	adapter.emit(backend.GameStateEvent{State: models.GameStateInGame})
	adapter.emit(backend.GameFlagsEvent{Flags: models.GameFlagCommsSabotaged, Set: true})
	adapter.emit(backend.PlayerFlagsEvent{Name: "alice", Flags: models.PlayerFlagDead, Set: true})

	waitFor(t, "ingame state", func() bool {
		p, ok := r.Player("alice")
		return ok && p.Flags == models.PlayerFlagDead && r.GameFlags() == models.GameFlagCommsSabotaged
	})

	// Applying the lobby transition twice must be idempotent.
	adapter.emit(backend.GameStateEvent{State: models.GameStateLobby})
	adapter.emit(backend.GameStateEvent{State: models.GameStateLobby})

	waitFor(t, "lobby reset", func() bool {
		p, _ := r.Player("alice")
		return r.GameState() == models.GameStateLobby &&
			r.GameFlags() == models.GameFlagNone &&
			p.Flags == models.PlayerFlagNone
	})
}

func TestRoom_AddClientSyncOrder(t *testing.T) {
	r, _, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)
	bob := newMockClient("uuid-b", "bob", "10.0.0.2")
	bob.join(r)

	// Roster sync must precede any state sync on the new client.
	sync := bob.opIndex("SyncAllClients")
	state := bob.opIndex("SetGameState")
	if sync != 0 {
		t.Errorf("expected SyncAllClients to be the first push, was at %d", sync)
	}
	if state < sync {
		t.Error("state sync arrived before roster sync")
	}

	// Existing client learns about the new one.
	if alice.opCount("AddClient") != 1 {
		t.Errorf("expected exactly one AddClient push to alice, got %d", alice.opCount("AddClient"))
	}

	// Duplicate UUID joins are ignored.
	r.AddClient(bob)
	if r.ClientCount() != 2 {
		t.Errorf("expected 2 clients after duplicate join, got %d", r.ClientCount())
	}
}

func TestRoom_AddRemovePairLeavesStateIntact(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	adapter.emit(backend.PlayerColorEvent{Name: "carol", Color: 3})
	waitFor(t, "carol tracked", func() bool {
		_, ok := r.Player("carol")
		return ok
	})
	before, _ := r.Player("carol")

	bob := newMockClient("uuid-b", "bob", "10.0.0.2")
	bob.join(r)
	r.RemoveClient(bob, false)

	after, ok := r.Player("carol")
	if !ok || after != before {
		t.Errorf("unrelated player state changed by add/remove pair: %+v != %+v", after, before)
	}
	if r.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", r.ClientCount())
	}
	if _, ok := r.Player("bob"); !ok {
		t.Error("bob's player model should survive his client leaving")
	}
}

func TestRoom_BanBlocksRejoin(t *testing.T) {
	r, _, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)
	bob := newMockClient("uuid-b", "bob", "10.0.0.66")
	bob.join(r)

	r.RemoveClient(bob, true)
	if r.ClientCount() != 1 {
		t.Fatalf("expected 1 client after ban, got %d", r.ClientCount())
	}

	// Same address, fresh session: must be bounced with ban context.
	bob2 := newMockClient("uuid-b2", "bob", "10.0.0.66")
	bob2.join(r)

	if r.ClientCount() != 1 {
		t.Errorf("banned address got back in, %d clients", r.ClientCount())
	}
	bob2.mu.Lock()
	defer bob2.mu.Unlock()
	if len(bob2.removals) != 1 || !bob2.removals[0].ban || bob2.removals[0].uuid != "uuid-b2" {
		t.Errorf("expected a single ban removal for the rejected session, got %+v", bob2.removals)
	}
}

// slowSyncClient widens the window between the join and its roster
// sync, to catch deltas sneaking in between the two.
type slowSyncClient struct {
	*mockClient
	delay time.Duration
}

func (c *slowSyncClient) SyncAllClients(clients []ClientInfo) {
	time.Sleep(c.delay)
	c.mockClient.SyncAllClients(clients)
}

func TestRoom_JoinSyncNotInterleavedWithEvents(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			adapter.emit(backend.PlayerPoseEvent{Name: "alice", Position: models.Pose{X: float64(i)}})
		}
	}()

	bob := &slowSyncClient{
		mockClient: newMockClient("uuid-b", "bob", "10.0.0.2"),
		delay:      2 * time.Millisecond,
	}
	bob.mockClient.mu.Lock()
	bob.mockClient.room = r
	bob.mockClient.mu.Unlock()
	r.AddClient(bob)

	close(stop)
	wg.Wait()

	if idx := bob.opIndex("SyncAllClients"); idx != 0 {
		t.Fatalf("a push reached the new client before its roster sync (sync at ops[%d])", idx)
	}
}

func TestRoom_RemoveUnknownClientDoesNotBan(t *testing.T) {
	r, _, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	// A session that was never in the room must not poison the ban set
	// for its address.
	stranger := newMockClient("uuid-s", "stranger", "10.0.0.66")
	r.RemoveClient(stranger, true)

	rejoin := newMockClient("uuid-s2", "stranger", "10.0.0.66")
	rejoin.join(r)
	if r.ClientCount() != 2 {
		t.Fatalf("address banned without ever joining, %d clients", r.ClientCount())
	}
	rejoin.mu.Lock()
	defer rejoin.mu.Unlock()
	if len(rejoin.removals) != 0 {
		t.Fatalf("fresh session bounced: %+v", rejoin.removals)
	}
}

func TestRoom_LastClientRemovalDestroys(t *testing.T) {
	r, adapter, provider, reg := newTestRoom(0)

	waitFor(t, "router allocated", r.HasRouter)

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)
	r.RemoveClient(alice, false)

	if !r.Destroyed() {
		t.Fatal("room should destroy itself once the last client leaves")
	}
	if got := provider.router.closes(); got != 1 {
		t.Errorf("router must be closed exactly once, got %d", got)
	}
	if got := adapter.destroyCount(); got != 1 {
		t.Errorf("adapter must be destroyed exactly once, got %d", got)
	}
	keys := reg.removedKeys()
	if len(keys) != 1 || keys[0] != r.Key {
		t.Errorf("room should remove itself from the registry, got %v", keys)
	}

	// Double destroy is a no-op.
	r.Destroy()
	if got := provider.router.closes(); got != 1 {
		t.Errorf("double destroy closed the router again (%d closes)", got)
	}
	if got := adapter.destroyCount(); got != 1 {
		t.Errorf("double destroy hit the adapter again (%d destroys)", got)
	}
}

func TestRoom_GracefulDestroyTimesOut(t *testing.T) {
	r, adapter, _, _ := newTestRoom(50 * time.Millisecond)

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	adapter.emit(backend.GameStateEvent{State: models.GameStateInGame})
	waitFor(t, "ingame", func() bool { return r.GameState() == models.GameStateInGame })

	start := time.Now()
	r.GracefulDestroy()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("graceful destroy returned before the timeout (%v)", elapsed)
	}
	if !r.Destroyed() {
		t.Fatal("room must destroy once the timeout elapses even without a lobby transition")
	}

	errs := alice.errorList()
	if len(errs) < 2 {
		t.Fatalf("expected maintenance warning and final error, got %+v", errs)
	}
	if errs[0].fatal {
		t.Error("maintenance warning should be non-fatal")
	}
	if !errs[len(errs)-1].fatal {
		t.Error("final closure notice should be fatal")
	}
}

func TestRoom_GracefulDestroyWakesOnLobby(t *testing.T) {
	r, adapter, _, _ := newTestRoom(5 * time.Second)

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	adapter.emit(backend.GameStateEvent{State: models.GameStateMeeting})
	waitFor(t, "meeting", func() bool { return r.GameState() == models.GameStateMeeting })

	done := make(chan struct{})
	go func() {
		r.GracefulDestroy()
		close(done)
	}()

	// Give the waiter a moment to register, then end the game.
	time.Sleep(20 * time.Millisecond)
	adapter.emit(backend.GameStateEvent{State: models.GameStateLobby})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful destroy did not resolve on the lobby transition")
	}
	if !r.Destroyed() {
		t.Error("room should be destroyed after the drain")
	}
}

func TestRoom_FatalBackendErrorDestroys(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)

	adapter.emit(backend.ErrorEvent{Message: "source gone", Fatal: true})

	waitFor(t, "room destroyed", r.Destroyed)

	errs := alice.errorList()
	if len(errs) == 0 || !errs[0].fatal {
		t.Errorf("client should have been told about the fatal error, got %+v", errs)
	}
}

func TestRoom_GhostPlayerRecordedNotBroadcast(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)
	posesAfterJoin := alice.opCount("SetPoseOf")

	adapter.emit(backend.PlayerPoseEvent{Name: "ghost", Position: models.Pose{X: 9, Y: 9}})
	waitFor(t, "ghost recorded", func() bool {
		p, ok := r.Player("ghost")
		return ok && p.Position.X == 9
	})

	if got := alice.opCount("SetPoseOf"); got != posesAfterJoin {
		t.Errorf("pose of a player with no client must not be broadcast, got %d extra pushes", got-posesAfterJoin)
	}
}

func TestRoom_SetOptionsSkipsHost(t *testing.T) {
	r, adapter, _, _ := newTestRoom(0)
	defer r.Destroy()

	alice := newMockClient("uuid-a", "alice", "10.0.0.1")
	alice.join(r)
	bob := newMockClient("uuid-b", "bob", "10.0.0.2")
	bob.join(r)

	adapter.emit(backend.HostChangeEvent{Name: "bob"})
	waitFor(t, "host change", func() bool { return r.Host() == "bob" })

	aliceBase := alice.opCount("SetOptions")
	bobBase := bob.opCount("SetOptions")

	opts := models.DefaultHostOptions()
	opts.Falloff = 7
	r.SetOptionsFrom(bob, opts)

	if got := alice.opCount("SetOptions"); got != aliceBase+1 {
		t.Errorf("alice should receive the host's options, got %d pushes", got-aliceBase)
	}
	if got := bob.opCount("SetOptions"); got != bobBase {
		t.Errorf("the host should not be echoed its own options, got %d pushes", got-bobBase)
	}
	if r.Options().Falloff != 7 {
		t.Errorf("options not applied, falloff %v", r.Options().Falloff)
	}

	// A non-host cannot change the options.
	opts.Falloff = 9
	r.SetOptionsFrom(alice, opts)
	if r.Options().Falloff != 7 {
		t.Error("non-host options update must be ignored")
	}

	// Forced pushes reach everyone, host included.
	r.SetOptions(opts, true)
	if got := bob.opCount("SetOptions"); got != bobBase+1 {
		t.Error("forced options push should reach the host")
	}
}

func TestRoom_RouterFailureIsNotFatal(t *testing.T) {
	adapter := newMockAdapter()
	provider := &mockProvider{err: errFailedRouter}
	reg := &mockRegistry{}
	r := NewRoom(models.BackendModel{Type: models.BackendTypeNone, GameCode: "X"}, Deps{
		Adapter:  adapter,
		Routers:  provider,
		Registry: reg,
	})

	waitFor(t, "router attempt", func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.calls >= 1
	})
	if r.Destroyed() {
		t.Fatal("router allocation failure must not destroy the room")
	}
	if r.HasRouter() {
		t.Fatal("room should not have a router after a failed allocation")
	}

	// The retry path picks up a healthy provider.
	provider.mu.Lock()
	provider.err = nil
	provider.router = &mockRouter{}
	provider.mu.Unlock()

	r.EnsureRouter()
	waitFor(t, "router retry", r.HasRouter)

	r.Destroy()
}
