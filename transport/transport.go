// transport/transport.go
package transport

import (
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wfunc/proximity/config"
	"github.com/wfunc/proximity/room"
)

var ErrRouterClosed = errors.New("transport: router closed")

// Manager owns the webrtc API every router is built from. Only opus is
// registered: the relay carries voice and nothing else.
type Manager struct {
	api *webrtc.API
}

func NewManager(cfg config.TransportConfig) (*Manager, error) {
	media := &webrtc.MediaEngine{}
	err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}

	setting := webrtc.SettingEngine{}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := setting.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, err
		}
	}
	if cfg.ListenIP != "" {
		setting.SetNAT1To1IPs([]string{cfg.ListenIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithSettingEngine(setting),
	)
	return &Manager{api: api}, nil
}

// CreateRouter satisfies the room.RouterProvider contract.
func (m *Manager) CreateRouter() (room.Router, error) {
	return m.NewRouter()
}

func (m *Manager) NewRouter() (*Router, error) {
	return &Router{
		api:    m.api,
		peers:  make(map[string]*webrtc.PeerConnection),
		tracks: make(map[string]*webrtc.TrackLocalStaticRTP),
	}, nil
}

// Router is the per-room audio transport context: one peer connection
// per participant and one outbound track per speaker, fanned out to
// everyone else. A router belongs to exactly one room and is closed
// exactly once when that room dies.
type Router struct {
	api *webrtc.API

	mu     sync.RWMutex
	peers  map[string]*webrtc.PeerConnection
	tracks map[string]*webrtc.TrackLocalStaticRTP
	closed bool
}

// NewPeerConnection allocates the peer connection for one participant.
func (r *Router) NewPeerConnection(uuid string) (*webrtc.PeerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	if old, ok := r.peers[uuid]; ok {
		old.Close()
	}
	r.peers[uuid] = pc
	return pc, nil
}

// AddTrack registers the outbound copy of a speaker's audio.
func (r *Router) AddTrack(uuid string, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticRTP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, uuid, "proximity")
	if err != nil {
		return nil, err
	}
	r.tracks[uuid] = track
	return track, nil
}

func (r *Router) RemoveTrack(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, uuid)
}

// WriteRTP forwards one packet from a speaker to every other track.
func (r *Router) WriteRTP(from string, pkt *rtp.Packet) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRouterClosed
	}
	for uuid, track := range r.tracks {
		if uuid == from {
			continue
		}
		// Per-subscriber write errors are isolated; a broken receiver
		// must not silence the speaker for everyone else.
		_ = track.WriteRTP(pkt)
	}
	return nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, pc := range r.peers {
		pc.Close()
	}
	r.peers = nil
	r.tracks = nil
	return nil
}

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
