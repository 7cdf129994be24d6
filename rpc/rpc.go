package rpc

import (
	"net"
	"net/rpc"

	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/registry"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Check if the error is due to the listener being closed.
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// AdminService exposes the operational surface: inspecting live rooms
// and draining them for maintenance.
type AdminService struct {
	registry *registry.Registry
}

func NewAdminService(reg *registry.Registry) *AdminService {
	return &AdminService{registry: reg}
}

type RoomInfo struct {
	Key         string
	Backend     string
	State       string
	ClientCount int
	HasRouter   bool
}

type ListRoomsArgs struct{}

type ListRoomsReply struct {
	Rooms []RoomInfo
}

func (a *AdminService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	for _, rm := range a.registry.Rooms() {
		reply.Rooms = append(reply.Rooms, RoomInfo{
			Key:         rm.Key,
			Backend:     rm.Backend.Type.String(),
			State:       rm.GameState().String(),
			ClientCount: rm.ClientCount(),
			HasRouter:   rm.HasRouter(),
		})
	}
	return nil
}

type DrainArgs struct {
	Key string
}

type DrainReply struct {
	Started int
}

// DrainRoom starts a graceful destroy of one room. The drain itself may
// wait for the game to return to the lobby, so it runs detached.
func (a *AdminService) DrainRoom(args *DrainArgs, reply *DrainReply) error {
	rm, ok := a.registry.GetRoom(args.Key)
	if !ok {
		return nil
	}
	go rm.GracefulDestroy()
	reply.Started = 1
	return nil
}

// DrainAll starts a graceful destroy of every live room.
func (a *AdminService) DrainAll(args *ListRoomsArgs, reply *DrainReply) error {
	rooms := a.registry.Rooms()
	for _, rm := range rooms {
		go rm.GracefulDestroy()
	}
	reply.Started = len(rooms)
	return nil
}
