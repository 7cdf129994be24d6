// session/session.go
package session

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
	"github.com/wfunc/proximity/network"
	"github.com/wfunc/proximity/room"
)

// ClientSession 一个已连接语音客户端的会话，实现 room.Client
//
// Push operations serialize their payload as JSON and frame it through
// the connection; a failed push is logged and dropped, never allowed to
// take the room down.
type ClientSession struct {
	uuid string
	conn network.Connection

	mu         sync.RWMutex
	name       string
	room       *room.Room
	lastActive time.Time
}

func NewClientSession(uuid, name string, conn network.Connection) *ClientSession {
	return &ClientSession{
		uuid:       uuid,
		conn:       conn,
		name:       name,
		lastActive: time.Now(),
	}
}

func (s *ClientSession) UUID() string { return s.uuid }

func (s *ClientSession) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName is used once the player is identified in-game; a session may
// exist before that happens.
func (s *ClientSession) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// RemoteAddr returns the remote host only; bans key on the address, not
// the ephemeral port.
func (s *ClientSession) RemoteAddr() string {
	addr := s.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (s *ClientSession) SetRoom(r *room.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = r
}

func (s *ClientSession) Room() *room.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Touch marks the session alive for the heartbeat sweep.
func (s *ClientSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

func (s *ClientSession) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// LeaveRoom detaches the session from its room, if any.
func (s *ClientSession) LeaveRoom() {
	s.mu.Lock()
	r := s.room
	s.room = nil
	s.mu.Unlock()
	if r != nil {
		r.RemoveClient(s, false)
	}
}

func (s *ClientSession) Close() error {
	return s.conn.Close()
}

// --- room.Client push operations ---

type clientInfoPayload struct {
	Clients []room.ClientInfo `json:"clients"`
}

type addClientPayload struct {
	UUID     string      `json:"uuid"`
	Name     string      `json:"name"`
	Position models.Pose `json:"position"`
	Color    int         `json:"color"`
}

type removeClientPayload struct {
	UUID string `json:"uuid"`
	Ban  bool   `json:"ban"`
}

type posePayload struct {
	UUID     string      `json:"uuid"`
	Position models.Pose `json:"position"`
}

type colorPayload struct {
	UUID  string `json:"uuid"`
	Color int    `json:"color"`
}

type ventPayload struct {
	UUID   string `json:"uuid"`
	VentID int    `json:"ventid"`
}

type flagsPayload struct {
	UUID  string            `json:"uuid"`
	Flags models.PlayerFlag `json:"flags"`
}

type hostPayload struct {
	Name string `json:"name"`
}

type gameStatePayload struct {
	State models.GameState `json:"state"`
}

type gameFlagsPayload struct {
	Flags models.GameFlag `json:"flags"`
}

type errorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (s *ClientSession) SyncAllClients(clients []room.ClientInfo) {
	s.push(network.MsgTypeSyncAllClients, clientInfoPayload{Clients: clients})
}

func (s *ClientSession) AddClient(uuid, name string, position models.Pose, color int) {
	s.push(network.MsgTypeAddClient, addClientPayload{UUID: uuid, Name: name, Position: position, Color: color})
}

// RemoveClient tells this session a client left. When it is the session
// itself being removed, the connection is closed to force the client
// off the room.
func (s *ClientSession) RemoveClient(uuid string, ban bool) {
	s.push(network.MsgTypeRemoveClient, removeClientPayload{UUID: uuid, Ban: ban})
	if uuid == s.uuid {
		s.conn.Close()
	}
}

func (s *ClientSession) SetPoseOf(uuid string, position models.Pose) {
	s.push(network.MsgTypeSetPose, posePayload{UUID: uuid, Position: position})
}

func (s *ClientSession) SetColorOf(uuid string, color int) {
	s.push(network.MsgTypeSetColor, colorPayload{UUID: uuid, Color: color})
}

func (s *ClientSession) SetVentOf(uuid string, ventID int) {
	s.push(network.MsgTypeSetVent, ventPayload{UUID: uuid, VentID: ventID})
}

func (s *ClientSession) SetFlagsOf(uuid string, flags models.PlayerFlag) {
	s.push(network.MsgTypeSetFlags, flagsPayload{UUID: uuid, Flags: flags})
}

func (s *ClientSession) SetHost(name string) {
	s.push(network.MsgTypeSetHost, hostPayload{Name: name})
}

func (s *ClientSession) SetGameState(state models.GameState) {
	s.push(network.MsgTypeSetGameState, gameStatePayload{State: state})
}

func (s *ClientSession) SetGameFlags(flags models.GameFlag) {
	s.push(network.MsgTypeSetGameFlags, gameFlagsPayload{Flags: flags})
}

func (s *ClientSession) SetSettings(settings models.GameSettings) {
	s.push(network.MsgTypeSetSettings, settings)
}

func (s *ClientSession) SetOptions(options models.HostOptions) {
	s.push(network.MsgTypeSetOptions, options)
}

func (s *ClientSession) SendError(message string, fatal bool) {
	s.push(network.MsgTypeError, errorPayload{Message: message, Fatal: fatal})
}

func (s *ClientSession) push(msgID uint16, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Errorf("session %s: marshal for msg %d failed: %v", s.uuid, msgID, err)
		return
	}
	if err := s.conn.Send(msgID, data); err != nil {
		logger.Log.Warnf("session %s: push msg %d failed: %v", s.uuid, msgID, err)
	}
}
