// room/interfaces.go
package room

import "github.com/wfunc/proximity/models"

// ClientInfo 房间名册中的一项
type ClientInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Client is the push contract the room drives for one connected voice
// participant. The transport behind it lives in the session package;
// defining the interface here breaks the import cycle.
type Client interface {
	UUID() string
	Name() string
	RemoteAddr() string

	SyncAllClients(clients []ClientInfo)
	AddClient(uuid, name string, position models.Pose, color int)
	RemoveClient(uuid string, ban bool)
	SetPoseOf(uuid string, position models.Pose)
	SetColorOf(uuid string, color int)
	SetVentOf(uuid string, ventID int)
	SetFlagsOf(uuid string, flags models.PlayerFlag)
	SetHost(name string)
	SetGameState(state models.GameState)
	SetGameFlags(flags models.GameFlag)
	SetSettings(settings models.GameSettings)
	SetOptions(options models.HostOptions)
	SendError(message string, fatal bool)

	// LeaveRoom makes the client take itself out of its room, ending in
	// a RemoveClient call back into the room that owns it.
	LeaveRoom()
}

// Router 音频中继子系统发给每个房间的传输句柄
// Closed once, never reused.
type Router interface {
	Close() error
	Closed() bool
}

// RouterProvider allocates one Router per room.
type RouterProvider interface {
	CreateRouter() (Router, error)
}

// Registry is the slice of the session registry a room needs to sweep
// itself out of existence.
type Registry interface {
	RemoveRoom(key string)
}

// EventCounter counts applied canonical events; prometheus counters
// satisfy it.
type EventCounter interface {
	Inc()
}
