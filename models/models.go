// models/models.go
package models

import (
	"strconv"
	"strings"
)

// Pose 玩家在地图上的二维坐标
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GameState 表示一局游戏所处的阶段
type GameState int

const (
	GameStateLobby GameState = iota
	GameStateInGame
	GameStateMeeting
)

func (s GameState) String() string {
	switch s {
	case GameStateLobby:
		return "lobby"
	case GameStateInGame:
		return "ingame"
	case GameStateMeeting:
		return "meeting"
	default:
		return "unknown"
	}
}

// PlayerFlag is a bit in a player's flag set.
type PlayerFlag int

const (
	PlayerFlagNone PlayerFlag = 0
	PlayerFlagDead PlayerFlag = 1 << (iota - 1)
	PlayerFlagOnCams
)

// GameFlag is a bit in the room-wide flag set.
type GameFlag int

const (
	GameFlagNone           GameFlag = 0
	GameFlagCommsSabotaged GameFlag = 1 << (iota - 1)
)

// GameMap 地图编号
type GameMap int

const (
	MapTheSkeld GameMap = iota
	MapMiraHQ
	MapPolus
	MapAirship
)

// PlayerModel 服务端记录的单个玩家状态，按房间内小写名字索引。
// A model can exist without a connected client; it lives as long as the room.
type PlayerModel struct {
	Name     string     `json:"name"`
	Position Pose       `json:"position"`
	Color    int        `json:"color"`
	Flags    PlayerFlag `json:"flags"`
	VentID   int        `json:"ventid"`
}

// NewPlayerModel returns a model with the defaults for a freshly observed name.
func NewPlayerModel(name string) *PlayerModel {
	return &PlayerModel{
		Name:   name,
		Color:  -1,
		VentID: -1,
	}
}

// PlayerKey 玩家名字的索引键：小写并去除首尾空白
func PlayerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GameSettings 由游戏主机决定的对局规则
type GameSettings struct {
	CrewmateVision float64 `json:"crewmateVision"`
	Map            GameMap `json:"map"`
}

// DefaultGameSettings 对局规则默认值
func DefaultGameSettings() GameSettings {
	return GameSettings{
		CrewmateVision: 1,
		Map:            MapTheSkeld,
	}
}

// HostOptions 近距离语音规则，由房主下发给其他客户端
type HostOptions struct {
	Falloff               float64 `json:"falloff"`
	FalloffVision         bool    `json:"falloffVision"`
	Colliders             bool    `json:"colliders"`
	PASystems             bool    `json:"paSystems"`
	CommsSabotage         bool    `json:"commsSabotage"`
	MeetingsCommsSabotage bool    `json:"meetingsCommsSabotage"`
}

// DefaultHostOptions 语音规则默认值
func DefaultHostOptions() HostOptions {
	return HostOptions{
		Falloff:               4.5,
		PASystems:             true,
		CommsSabotage:         true,
		MeetingsCommsSabotage: true,
	}
}

// BackendType selects which adapter variant a room is built with.
type BackendType int

const (
	BackendTypeNone BackendType = iota
	BackendTypePublicLobby
	BackendTypeHub
)

func (t BackendType) String() string {
	switch t {
	case BackendTypePublicLobby:
		return "public"
	case BackendTypeHub:
		return "hub"
	default:
		return "none"
	}
}

// BackendModel 房间创建时选定的数据源，创建后不可变。
// PublicLobby uses IP+Port (packet observation), Hub uses IP+GameCode.
type BackendModel struct {
	Type     BackendType `json:"type"`
	IP       string      `json:"ip"`
	Port     int         `json:"port"`
	GameCode string      `json:"gameCode"`
}

// Key 同一数据源的房间共用一个 key，用于注册表路由
func (m BackendModel) Key() string {
	switch m.Type {
	case BackendTypePublicLobby:
		return "public:" + m.IP + ":" + strconv.Itoa(m.Port)
	case BackendTypeHub:
		return "hub:" + m.IP + ":" + m.GameCode
	default:
		return "none:" + m.GameCode
	}
}
