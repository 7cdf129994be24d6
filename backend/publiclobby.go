// backend/publiclobby.go
package backend

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/wfunc/proximity/logger"
	"github.com/wfunc/proximity/models"
)

var (
	capSnapLen     int32 = 1600
	capPromiscuous       = true
	capTimeout           = 1 * time.Second
)

// packetHandle is the slice of *pcap.Handle the adapter needs, so the
// capture loop can run against a canned source in tests.
type packetHandle interface {
	SetBPFFilter(string) error
	LinkType() layers.LinkType
	gopacket.PacketDataSource
	Close()
}

// PublicLobbyAdapter observes the UDP traffic of a public game server
// and translates the frames it can decode into canonical events. The
// deep game-protocol decode lives behind frameTranslator; the adapter
// owns only capture plumbing and the canonical vocabulary.
type PublicLobbyAdapter struct {
	emitter
	model     models.BackendModel
	device    string
	openLive  func(device string) (packetHandle, error)
	translate frameTranslator

	mu        sync.Mutex
	handle    packetHandle
	destroyed bool
}

func NewPublicLobby(model models.BackendModel) *PublicLobbyAdapter {
	return &PublicLobbyAdapter{
		emitter: newEmitter(),
		model:   model,
		device:  "any",
		openLive: func(device string) (packetHandle, error) {
			return pcap.OpenLive(device, capSnapLen, capPromiscuous, capTimeout)
		},
		translate: lobbyTranslator{},
	}
}

func (a *PublicLobbyAdapter) gameID() string {
	return fmt.Sprintf("%s:%d", a.model.IP, a.model.Port)
}

func (a *PublicLobbyAdapter) Initialize() error {
	go a.run()
	return nil
}

func (a *PublicLobbyAdapter) run() {
	h, err := a.openLive(a.device)
	if err != nil {
		logger.Log.Errorf("[public %s] capture open failed: %v", a.gameID(), err)
		a.emit(ErrorEvent{Message: "could not observe the game server", Fatal: true})
		return
	}

	filter := fmt.Sprintf("udp and host %s and port %d", a.model.IP, a.model.Port)
	if err := h.SetBPFFilter(filter); err != nil {
		h.Close()
		logger.Log.Errorf("[public %s] bad capture filter: %v", a.gameID(), err)
		a.emit(ErrorEvent{Message: "could not observe the game server", Fatal: true})
		return
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		h.Close()
		return
	}
	a.handle = h
	a.mu.Unlock()

	logger.Log.Infof("[public %s] observing lobby traffic", a.gameID())

	source := gopacket.NewPacketSource(h, h.LinkType())
	for {
		select {
		case packet, ok := <-source.Packets():
			if !ok {
				return
			}
			a.handlePacket(packet)
		case <-a.done:
			return
		}
	}
}

func (a *PublicLobbyAdapter) handlePacket(packet gopacket.Packet) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return
	}
	for _, ev := range a.translate.Translate(udp.Payload) {
		a.emit(ev)
	}
}

func (a *PublicLobbyAdapter) Destroy() error {
	a.mu.Lock()
	a.destroyed = true
	h := a.handle
	a.handle = nil
	a.mu.Unlock()

	a.close()
	if h != nil {
		logger.Log.Infof("[public %s] destroyed", a.gameID())
		h.Close()
	}
	return nil
}

// frameTranslator decodes one observed datagram into canonical events.
type frameTranslator interface {
	Translate(payload []byte) []Event
}

// Frame opcodes understood by the built-in translator. Frames the
// translator does not recognize are skipped, not errors: the lobby
// mirror interleaves them with traffic we do not care about.
const (
	frameOpPose  = 0x01
	frameOpColor = 0x02
	frameOpVent  = 0x03
	frameOpState = 0x04
	frameOpHost  = 0x05
	frameOpFlags = 0x06
)

// lobbyTranslator decodes the length-prefixed frame stream the lobby
// mirror emits: repeated [len uint16][opcode byte][body].
type lobbyTranslator struct{}

func (lobbyTranslator) Translate(payload []byte) []Event {
	var events []Event
	for len(payload) >= 3 {
		length := binary.BigEndian.Uint16(payload[0:2])
		if int(length) < 1 || len(payload) < 2+int(length) {
			break
		}
		frame := payload[2 : 2+length]
		payload = payload[2+length:]

		if ev, ok := decodeFrame(frame[0], frame[1:]); ok {
			events = append(events, ev)
		}
	}
	return events
}

func decodeFrame(op byte, body []byte) (Event, bool) {
	switch op {
	case frameOpPose:
		name, rest, ok := readName(body)
		if !ok || len(rest) < 8 {
			return nil, false
		}
		x := math.Float32frombits(binary.BigEndian.Uint32(rest[0:4]))
		y := math.Float32frombits(binary.BigEndian.Uint32(rest[4:8]))
		return PlayerPoseEvent{Name: name, Position: models.Pose{X: float64(x), Y: float64(y)}}, true

	case frameOpColor:
		name, rest, ok := readName(body)
		if !ok || len(rest) < 1 {
			return nil, false
		}
		return PlayerColorEvent{Name: name, Color: int(int8(rest[0]))}, true

	case frameOpVent:
		name, rest, ok := readName(body)
		if !ok || len(rest) < 1 {
			return nil, false
		}
		return PlayerVentEvent{Name: name, VentID: int(int8(rest[0]))}, true

	case frameOpState:
		if len(body) < 1 {
			return nil, false
		}
		state := models.GameState(body[0])
		if state < models.GameStateLobby || state > models.GameStateMeeting {
			return nil, false
		}
		return GameStateEvent{State: state}, true

	case frameOpHost:
		name, _, ok := readName(body)
		if !ok {
			return nil, false
		}
		return HostChangeEvent{Name: name}, true

	case frameOpFlags:
		name, rest, ok := readName(body)
		if !ok || len(rest) < 2 {
			return nil, false
		}
		return PlayerFlagsEvent{
			Name:  name,
			Flags: models.PlayerFlag(rest[0]),
			Set:   rest[1] != 0,
		}, true
	}
	return nil, false
}

func readName(body []byte) (name string, rest []byte, ok bool) {
	if len(body) < 1 {
		return "", nil, false
	}
	n := int(body[0])
	if len(body) < 1+n {
		return "", nil, false
	}
	return string(body[1 : 1+n]), body[1+n:], true
}
