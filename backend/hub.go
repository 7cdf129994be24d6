// backend/hub.go
package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
)

// Hub push names, mirrored from the relay's invocation protocol.
const (
	hubTrackGame     = "TrackGame"
	hubHostChange    = "HostChange"
	hubMapChange     = "MapChange"
	hubGameStarted   = "GameStarted"
	hubPlayerMove    = "PlayerMove"
	hubMeetingCalled = "MeetingCalled"
	hubMeetingEnded  = "MeetingEnded"
	hubPlayerExiled  = "PlayerExiled"
	hubCommsSabotage = "CommsSabotage"
	hubGameEnd       = "GameEnd"
)

const defaultHubPort = 22023

// hubMessage is one invocation frame on the hub connection, both
// directions: a target name plus positional JSON arguments.
type hubMessage struct {
	Target    string        `json:"target"`
	Arguments []interface{} `json:"arguments"`
}

// HubAdapter subscribes to a third-party relay hub over a persistent
// websocket, keyed by game code, and translates the hub's group-based
// audio model into canonical events.
type HubAdapter struct {
	emitter
	model    models.BackendModel
	port     int
	throttle *poseThrottle

	mu           sync.Mutex
	conn         *websocket.Conn
	names        map[string]struct{} // players seen moving, for meeting pose snaps
	commsWorking bool
	settings     models.GameSettings
	destroyed    bool
}

func NewHub(model models.BackendModel, opts Options) *HubAdapter {
	port := opts.HubPort
	if port == 0 {
		port = defaultHubPort
	}
	interval := opts.PoseInterval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	a := &HubAdapter{
		emitter:      newEmitter(),
		model:        model,
		port:         port,
		names:        make(map[string]struct{}),
		commsWorking: true,
		settings:     models.DefaultGameSettings(),
	}
	a.throttle = newPoseThrottle(interval, func(name string, pose models.Pose) {
		a.emit(PlayerPoseEvent{Name: name, Position: pose})
	})
	return a
}

func (a *HubAdapter) gameID() string {
	return fmt.Sprintf("%s:%d/%s", a.model.IP, a.port, a.model.GameCode)
}

func (a *HubAdapter) Initialize() error {
	go a.run()
	return nil
}

func (a *HubAdapter) run() {
	url := fmt.Sprintf("ws://%s:%d/hub", a.model.IP, a.port)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		logger.Log.Errorf("[hub %s] connect failed: %v", a.gameID(), err)
		a.emit(ErrorEvent{Message: "could not reach the game relay", Fatal: false})
		return
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.mu.Unlock()

	track := hubMessage{Target: hubTrackGame, Arguments: []interface{}{a.model.GameCode}}
	if err := conn.WriteJSON(track); err != nil {
		logger.Log.Errorf("[hub %s] track game failed: %v", a.gameID(), err)
		a.emit(ErrorEvent{Message: "could not track the game", Fatal: false})
		return
	}
	logger.Log.Infof("[hub %s] tracking game", a.gameID())

	for {
		var msg hubMessage
		if err := conn.ReadJSON(&msg); err != nil {
			a.mu.Lock()
			destroyed := a.destroyed
			a.mu.Unlock()
			if !destroyed {
				logger.Log.Warnf("[hub %s] connection lost: %v", a.gameID(), err)
				a.emit(ErrorEvent{Message: "lost connection to the game relay", Fatal: false})
			}
			return
		}
		a.handleMessage(msg)
	}
}

// handleMessage maps one hub push onto canonical events. The hub speaks
// in audio groups (muted vs main); those are folded into game-state and
// game-flag events here so the room never learns about groups.
func (a *HubAdapter) handleMessage(msg hubMessage) {
	switch msg.Target {
	case hubHostChange:
		name, ok := stringArg(msg.Arguments, 0)
		if !ok {
			return
		}
		a.emit(HostChangeEvent{Name: name})

	case hubMapChange:
		id, ok := floatArg(msg.Arguments, 0)
		if !ok {
			return
		}
		a.mu.Lock()
		a.settings.Map = models.GameMap(int(id))
		settings := a.settings
		a.mu.Unlock()
		a.emit(SettingsEvent{Settings: settings})

	case hubGameStarted:
		a.mu.Lock()
		a.commsWorking = true
		a.mu.Unlock()
		a.emit(GameStateEvent{State: models.GameStateInGame})

	case hubPlayerMove:
		name, ok := stringArg(msg.Arguments, 0)
		if !ok {
			return
		}
		pose, ok := poseArg(msg.Arguments, 1)
		if !ok {
			return
		}
		a.mu.Lock()
		a.names[models.PlayerKey(name)] = struct{}{}
		a.mu.Unlock()
		a.throttle.Offer(name, pose)

	case hubMeetingCalled:
		// Everyone is snapped to the table and unmuted for the meeting,
		// even while comms are down.
		a.emit(GameStateEvent{State: models.GameStateMeeting})
		for _, name := range a.trackedNames() {
			a.emit(PlayerPoseEvent{Name: name})
		}
		a.emit(GameFlagsEvent{Flags: models.GameFlagCommsSabotaged, Set: false})

	case hubMeetingEnded:
		a.emit(GameStateEvent{State: models.GameStateInGame})
		a.mu.Lock()
		working := a.commsWorking
		a.mu.Unlock()
		if !working {
			a.emit(GameFlagsEvent{Flags: models.GameFlagCommsSabotaged, Set: true})
		}

	case hubPlayerExiled:
		name, ok := stringArg(msg.Arguments, 0)
		if !ok {
			return
		}
		a.emit(PlayerFlagsEvent{Name: name, Flags: models.PlayerFlagDead, Set: true})

	case hubCommsSabotage:
		fixed, ok := boolArg(msg.Arguments, 0)
		if !ok {
			return
		}
		a.mu.Lock()
		a.commsWorking = fixed
		a.mu.Unlock()
		a.emit(GameFlagsEvent{Flags: models.GameFlagCommsSabotaged, Set: !fixed})

	case hubGameEnd:
		a.emit(GameStateEvent{State: models.GameStateLobby})

	default:
		logger.Log.Debugf("[hub %s] ignoring push %q", a.gameID(), msg.Target)
	}
}

func (a *HubAdapter) trackedNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.names))
	for name := range a.names {
		names = append(names, name)
	}
	return names
}

func (a *HubAdapter) Destroy() error {
	a.mu.Lock()
	a.destroyed = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	a.throttle.Stop()
	a.close()

	if conn != nil {
		logger.Log.Infof("[hub %s] destroyed", a.gameID())
		return conn.Close()
	}
	return nil
}

func stringArg(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func floatArg(args []interface{}, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	f, ok := args[i].(float64)
	return f, ok
}

func boolArg(args []interface{}, i int) (bool, bool) {
	if i >= len(args) {
		return false, false
	}
	b, ok := args[i].(bool)
	return b, ok
}

func poseArg(args []interface{}, i int) (models.Pose, bool) {
	if i >= len(args) {
		return models.Pose{}, false
	}
	obj, ok := args[i].(map[string]interface{})
	if !ok {
		return models.Pose{}, false
	}
	x, _ := obj["x"].(float64)
	y, _ := obj["y"].(float64)
	return models.Pose{X: x, Y: y}, true
}
