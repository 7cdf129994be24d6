// backend/backend.go
package backend

import (
	"sync"
	"time"

	"github.com/wfunc/proximity/models"
)

// Event 后端适配器向房间上报的规范化事件
//
// The set is closed: every external source, whatever its wire protocol,
// is normalized into exactly these kinds before the room sees it.
type Event interface {
	event()
}

type PlayerPoseEvent struct {
	Name     string
	Position models.Pose
}

type PlayerColorEvent struct {
	Name  string
	Color int
}

type PlayerVentEvent struct {
	Name   string
	VentID int
}

// PlayerFlagsEvent ORs the bits in when Set is true, ANDs them out otherwise.
type PlayerFlagsEvent struct {
	Name  string
	Flags models.PlayerFlag
	Set   bool
}

type GameStateEvent struct {
	State models.GameState
}

type SettingsEvent struct {
	Settings models.GameSettings
}

type HostChangeEvent struct {
	Name string
}

type GameFlagsEvent struct {
	Flags models.GameFlag
	Set   bool
}

// ErrorEvent is the only way adapter failures cross into the room.
// Fatal means the room must be torn down.
type ErrorEvent struct {
	Message string
	Fatal   bool
}

func (PlayerPoseEvent) event()  {}
func (PlayerColorEvent) event() {}
func (PlayerVentEvent) event()  {}
func (PlayerFlagsEvent) event() {}
func (GameStateEvent) event()   {}
func (SettingsEvent) event()    {}
func (HostChangeEvent) event()  {}
func (GameFlagsEvent) event()   {}
func (ErrorEvent) event()       {}

// Adapter 把一个外部游戏数据源翻译成规范化事件流
//
// Initialize must not emit before it returns; connecting may continue
// asynchronously and later failures are reported as ErrorEvents.
// Destroy is called exactly once by the owning room.
type Adapter interface {
	Initialize() error
	Destroy() error
	Events() <-chan Event
}

// Options carries deployment tunables into concrete adapters.
type Options struct {
	HubPort      int
	PoseInterval time.Duration
}

// New 按 BackendModel 选择适配器变体
func New(model models.BackendModel, opts Options) Adapter {
	switch model.Type {
	case models.BackendTypePublicLobby:
		return NewPublicLobby(model)
	case models.BackendTypeHub:
		return NewHub(model, opts)
	default:
		return NewNoOp()
	}
}

// emitter is the shared outbound side of an adapter. After a fatal
// error only further ErrorEvents pass through; after close, nothing.
type emitter struct {
	ch   chan Event
	done chan struct{}

	mu     sync.Mutex
	fatal  bool
	closed bool
}

func newEmitter() emitter {
	return emitter{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
}

func (e *emitter) Events() <-chan Event {
	return e.ch
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	errEv, isErr := ev.(ErrorEvent)
	if e.fatal && !isErr {
		e.mu.Unlock()
		return
	}
	if isErr && errEv.Fatal {
		e.fatal = true
	}
	e.mu.Unlock()

	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}
