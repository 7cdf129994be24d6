package main

import (
	"context"
	"net/rpc"
	"os/signal"
	"syscall"
	"time"

	"github.com/wfunc/proximity/config"
	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/monitor"
	"github.com/wfunc/proximity/registry"
	proximity_rpc "github.com/wfunc/proximity/rpc"
	"github.com/wfunc/proximity/server"
	"github.com/wfunc/proximity/transport"
)

func main() {
	// Initialize logger
	logger.Init()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Audio transport subsystem
	transportMgr, err := transport.NewManager(cfg.Transport)
	if err != nil {
		logger.Log.Fatalf("Failed to initialize audio transport: %v", err)
	}

	reg := registry.New()
	mon := monitor.NewMonitor("proximity")
	mon.StartServer(cfg.Server.MetricsAddress)

	gameServer := server.NewGameServer(cfg, reg, transportMgr, mon)

	// Admin RPC
	rpcServer, err := proximity_rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	rpc.Register(proximity_rpc.NewAdminService(reg))
	go rpcServer.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Log.Infof("Starting proximity server on %s", cfg.Server.HTTPAddress)
		if err := gameServer.Start(); err != nil {
			logger.Log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down, draining rooms")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Room.GameEndTimeout+time.Minute)
	defer drainCancel()
	if err := gameServer.Drain(drainCtx); err != nil {
		logger.Log.Warnf("Drain incomplete: %v", err)
	}

	gameServer.Shutdown()
	rpcServer.Stop()
	logger.Log.Info("Server exited")
}
