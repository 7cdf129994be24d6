// room/handlers.go
package room

import (
	"github.com/wfunc/proximity/backend"
	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
)

// apply folds one canonical event into room state and fans the delta
// out. Events arrive on the single loop goroutine, so handlers never
// interleave their mutations.
//
// Every player-scoped handler records state even when no live client
// matches the name; fan-out only happens for connected players.
func (r *Room) apply(ev backend.Event) {
	if r.events != nil {
		r.events.Inc()
	}
	switch e := ev.(type) {
	case backend.PlayerPoseEvent:
		r.onPlayerPose(e)
	case backend.PlayerColorEvent:
		r.onPlayerColor(e)
	case backend.PlayerVentEvent:
		r.onPlayerVent(e)
	case backend.PlayerFlagsEvent:
		r.onPlayerFlags(e)
	case backend.GameStateEvent:
		r.onGameState(e)
	case backend.SettingsEvent:
		r.onSettings(e)
	case backend.HostChangeEvent:
		r.onHostChange(e)
	case backend.GameFlagsEvent:
		r.onGameFlags(e)
	case backend.ErrorEvent:
		r.onError(e)
	}
}

func (r *Room) onPlayerPose(e backend.PlayerPoseEvent) {
	r.mu.Lock()
	p := r.getPlayerLocked(e.Name)
	p.Position = e.Position
	target := r.clientByKeyLocked(models.PlayerKey(e.Name))
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	if target == nil {
		return
	}
	for _, c := range clients {
		c.SetPoseOf(target.UUID(), e.Position)
	}
}

func (r *Room) onPlayerColor(e backend.PlayerColorEvent) {
	r.mu.Lock()
	p := r.getPlayerLocked(e.Name)
	p.Color = e.Color
	target := r.clientByKeyLocked(models.PlayerKey(e.Name))
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	if target == nil {
		return
	}
	for _, c := range clients {
		c.SetColorOf(target.UUID(), e.Color)
	}
}

func (r *Room) onPlayerVent(e backend.PlayerVentEvent) {
	r.mu.Lock()
	p := r.getPlayerLocked(e.Name)
	p.VentID = e.VentID
	target := r.clientByKeyLocked(models.PlayerKey(e.Name))
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	if target == nil {
		return
	}
	for _, c := range clients {
		c.SetVentOf(target.UUID(), e.VentID)
	}
}

func (r *Room) onPlayerFlags(e backend.PlayerFlagsEvent) {
	r.mu.Lock()
	p := r.getPlayerLocked(e.Name)
	if e.Set {
		p.Flags |= e.Flags
	} else {
		p.Flags &^= e.Flags
	}
	flags := p.Flags
	target := r.clientByKeyLocked(models.PlayerKey(e.Name))
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	if target == nil {
		return
	}
	for _, c := range clients {
		c.SetFlagsOf(target.UUID(), flags)
	}
}

// onGameState applies a state transition. Entering the lobby resets the
// game flags and every player's flags before anything is fanned out,
// and wakes any graceful-destroy waiter.
func (r *Room) onGameState(e backend.GameStateEvent) {
	r.mu.Lock()
	r.gameState = e.State
	if e.State == models.GameStateLobby {
		r.gameFlags = models.GameFlagNone
		for _, p := range r.players {
			p.Flags = models.PlayerFlagNone
		}
		waiters := r.lobbyWaiters
		r.lobbyWaiters = nil
		for _, w := range waiters {
			close(w)
		}
	}

	type flagSync struct {
		uuid  string
		flags models.PlayerFlag
	}
	var syncs []flagSync
	for key, p := range r.players {
		if c := r.clientByKeyLocked(key); c != nil {
			syncs = append(syncs, flagSync{uuid: c.UUID(), flags: p.Flags})
		}
	}
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.SetGameState(e.State)
		for _, s := range syncs {
			c.SetFlagsOf(s.uuid, s.flags)
		}
	}
}

func (r *Room) onSettings(e backend.SettingsEvent) {
	r.mu.Lock()
	r.settings = e.Settings
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.SetSettings(e.Settings)
	}
}

func (r *Room) onHostChange(e backend.HostChangeEvent) {
	r.mu.Lock()
	r.hostName = e.Name
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.SetHost(e.Name)
	}
}

func (r *Room) onGameFlags(e backend.GameFlagsEvent) {
	r.mu.Lock()
	if e.Set {
		r.gameFlags |= e.Flags
	} else {
		r.gameFlags &^= e.Flags
	}
	flags := r.gameFlags
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.SetGameFlags(flags)
	}
}

func (r *Room) onError(e backend.ErrorEvent) {
	r.mu.Lock()
	clients := r.clientsSnapshotLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.SendError(e.Message, e.Fatal)
	}

	if e.Fatal {
		logger.Log.Errorf("room %s: fatal backend error: %s", r.Key, e.Message)
		r.Destroy()
	}
}
