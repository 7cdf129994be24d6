package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/proximity/backend"
	"github.com/wfunc/proximity/config"
	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
	"github.com/wfunc/proximity/monitor"
	"github.com/wfunc/proximity/network"
	"github.com/wfunc/proximity/registry"
	"github.com/wfunc/proximity/room"
	"github.com/wfunc/proximity/session"
	"github.com/wfunc/proximity/timer"
)

// GameServer accepts voice clients over websocket and routes each one
// into the room for its game, creating the room (and its backend
// adapter) on first join.
type GameServer struct {
	cfg          *config.Config
	upgrader     websocket.Upgrader
	registry     *registry.Registry
	routers      room.RouterProvider
	monitor      *monitor.Monitor
	timers       *timer.Manager
	shutdownChan chan struct{}
}

func NewGameServer(cfg *config.Config, reg *registry.Registry, routers room.RouterProvider, mon *monitor.Monitor) *GameServer {
	return &GameServer{
		cfg:          cfg,
		registry:     reg,
		routers:      routers,
		monitor:      mon,
		timers:       timer.NewManager(),
		shutdownChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}
}

func (s *GameServer) Start() error {
	heartbeat := s.cfg.Server.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	s.timers.AddTimer(heartbeat, heartbeat, s.sweep)

	http.HandleFunc("/ws", s.handleWebSocket)
	logger.Log.Infof("proximity server listening on %s", s.cfg.Server.HTTPAddress)
	return http.ListenAndServe(s.cfg.Server.HTTPAddress, nil)
}

// Drain gracefully destroys every live room, bounded by ctx.
func (s *GameServer) Drain(ctx context.Context) error {
	var g errgroup.Group
	for _, rm := range s.registry.Rooms() {
		g.Go(func() error {
			rm.GracefulDestroy()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *GameServer) Shutdown() {
	close(s.shutdownChan)
	s.timers.Stop()
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn, r.URL.Query())
}

func (s *GameServer) handleConnection(conn *websocket.Conn, query url.Values) {
	wsConn := network.NewWSConnection(conn)
	name := query.Get("name")
	if name == "" {
		wsConn.Close()
		return
	}

	model := s.backendModelFromQuery(query)
	sess := session.NewClientSession(uuid.New().String(), name, wsConn)
	s.registry.AddClient(sess)
	s.monitor.IncConnectedClients()

	logger.Log.Infof("New connection from %s, session %s, backend %s", sess.RemoteAddr(), sess.UUID(), model.Key())

	defer func() {
		logger.Log.Infof("Connection closed, session %s", sess.UUID())
		sess.LeaveRoom()
		s.registry.RemoveClient(sess.UUID())
		s.monitor.DecConnectedClients()
		wsConn.Close()
	}()

	rm := s.registry.GetOrCreate(model.Key(), func() *room.Room {
		return room.NewRoom(model, room.Deps{
			BackendOptions: backend.Options{
				HubPort:      s.cfg.Backend.HubPort,
				PoseInterval: s.cfg.Backend.PoseInterval,
			},
			Routers:        s.routers,
			Registry:       s.registry,
			EventCounter:   s.monitor.BackendEventCounter(),
			GameEndTimeout: s.cfg.Room.GameEndTimeout,
		})
	})
	sess.SetRoom(rm)
	rm.AddClient(sess)

	if s.cfg.Server.Heartbeat > 0 {
		wsConn.SetHeartbeat(s.cfg.Server.Heartbeat)
	}

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			if !s.handlePacket(sess, packet) {
				return
			}
		}
	}
}

func (s *GameServer) handlePacket(sess *session.ClientSession, packet *network.Packet) bool {
	start := time.Now()
	s.monitor.IncMessagesReceived()
	defer func() {
		s.monitor.ObserveMessageLatency(time.Since(start))
	}()

	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
	case network.MsgTypeSetOptionsReq:
		var options models.HostOptions
		if err := json.Unmarshal(packet.Data, &options); err != nil {
			logger.Log.Warnf("session %s: bad options payload: %v", sess.UUID(), err)
			return true
		}
		if rm := sess.Room(); rm != nil {
			rm.SetOptionsFrom(sess, options)
		}
	case network.MsgTypeLeaveRoom:
		return false
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
	return true
}

// sweep runs on the heartbeat timer: refreshes the gauges, retries
// missing routers and drops sessions idle past two heartbeats.
func (s *GameServer) sweep() {
	s.monitor.SetActiveRooms(s.registry.RoomCount())
	s.monitor.SetConnectedClients(s.registry.ClientCount())

	for _, rm := range s.registry.Rooms() {
		rm.EnsureRouter()
	}

	heartbeat := s.cfg.Server.Heartbeat
	if heartbeat <= 0 {
		return
	}
	cutoff := time.Now().Add(-2 * heartbeat)
	for _, c := range s.registry.Clients() {
		cs, ok := c.(*session.ClientSession)
		if !ok {
			continue
		}
		if cs.LastActive().Before(cutoff) {
			logger.Log.Infof("session %s idle, closing", cs.UUID())
			cs.Close()
		}
	}
}

func (s *GameServer) backendModelFromQuery(query url.Values) models.BackendModel {
	switch query.Get("backend") {
	case "public":
		port, err := strconv.Atoi(query.Get("port"))
		if err != nil || port <= 0 {
			port = 22023
		}
		return models.BackendModel{
			Type: models.BackendTypePublicLobby,
			IP:   query.Get("ip"),
			Port: port,
		}
	case "hub":
		return models.BackendModel{
			Type:     models.BackendTypeHub,
			IP:       query.Get("ip"),
			GameCode: query.Get("code"),
		}
	default:
		return models.BackendModel{
			Type:     models.BackendTypeNone,
			GameCode: query.Get("code"),
		}
	}
}
