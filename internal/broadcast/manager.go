// Package broadcast owns the device's WebRTC fan-out: one shared H264
// sample track feeding a peer connection per viewer. Signaling arrives
// through the signal client; this package only turns offers into
// answers and frames into RTP.
package broadcast

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("broadcast")

const (
	iceGatherTimeout = 20 * time.Second

	// keyframeHintMinGap rate-limits PLI/FIR feedback so a burst of
	// viewer loss reports forces at most two keyframes per second.
	keyframeHintMinGap = 500 * time.Millisecond
)

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("broadcast manager closed")

// Config carries what the manager needs to build peer connections.
type Config struct {
	// ICEServers for every new peer connection, typically from
	// BuildICEServers.
	ICEServers []webrtc.ICEServer
}

// Manager fans the camera's H264 stream out to every connected viewer.
type Manager struct {
	api   *webrtc.API
	track *webrtc.TrackLocalStaticSample
	cfg   Config

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool

	hintMu   sync.Mutex
	lastHint time.Time
	onHint   func()
}

// New builds the shared video track and the WebRTC API with H264
// registered. The same track instance is added to every viewer's peer
// connection, so one WriteSample reaches all of them.
func New(cfg Config) (*Manager, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video",
		"doorbell-camera",
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	return &Manager{
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		track: track,
		cfg:   cfg,
		peers: make(map[string]*webrtc.PeerConnection),
	}, nil
}

// OnKeyframeRequest installs the callback fired when a viewer reports
// picture loss. The encoder should emit an IDR frame on it.
func (m *Manager) OnKeyframeRequest(fn func()) {
	m.hintMu.Lock()
	m.onHint = fn
	m.hintMu.Unlock()
}

// ViewerCount returns the number of live peer connections.
func (m *Manager) ViewerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// HandleOffer answers a viewer's SDP offer. Any previous connection for
// the same viewer is torn down first. The returned answer is complete:
// ICE gathering finishes before it is produced, so no trickle frames
// follow from this side.
func (m *Manager) HandleOffer(viewerID, sdp string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if old, ok := m.peers[viewerID]; ok {
		delete(m.peers, viewerID)
		go old.Close()
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(m.track)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("add video track: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state changed", logging.KeyClientID, viewerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.RemovePeer(viewerID)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return "", fmt.Errorf("ICE gathering timeout")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return "", ErrClosed
	}
	m.peers[viewerID] = pc
	m.mu.Unlock()

	go m.drainRTCP(viewerID, sender)

	log.Info("viewer answered", logging.KeyClientID, viewerID)
	return pc.LocalDescription().SDP, nil
}

// AddICECandidate feeds a trickled viewer candidate into its peer
// connection.
func (m *Manager) AddICECandidate(viewerID string, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	pc, ok := m.peers[viewerID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no peer connection for viewer %s", viewerID)
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// RemovePeer tears down one viewer's connection. Safe to call for
// unknown ids.
func (m *Manager) RemovePeer(viewerID string) {
	m.mu.Lock()
	pc, ok := m.peers[viewerID]
	if ok {
		delete(m.peers, viewerID)
	}
	m.mu.Unlock()

	if ok {
		pc.Close()
		log.Info("viewer removed", logging.KeyClientID, viewerID)
	}
}

// CloseAll tears down every connection and refuses further offers.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*webrtc.PeerConnection)
	m.mu.Unlock()

	for id, pc := range peers {
		if err := pc.Close(); err != nil {
			log.Warn("peer close failed", logging.KeyClientID, id, logging.KeyError, err)
		}
	}
	log.Info("all peer connections closed", "count", len(peers))
}

// WriteSample pushes one encoded H264 frame to every bound viewer.
// With no viewers connected the write is a no-op.
func (m *Manager) WriteSample(data []byte, duration time.Duration) error {
	return m.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// drainRTCP consumes viewer feedback for one sender. PLI and FIR
// reports trigger the keyframe hint; everything else is discarded so
// interceptors keep running.
func (m *Manager) drainRTCP(viewerID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug("rtcp read ended", logging.KeyClientID, viewerID, logging.KeyError, err)
			}
			return
		}

		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				m.requestKeyframe(viewerID)
			}
		}
	}
}

func (m *Manager) requestKeyframe(viewerID string) {
	m.hintMu.Lock()
	fn := m.onHint
	now := time.Now()
	tooSoon := now.Sub(m.lastHint) < keyframeHintMinGap
	if !tooSoon {
		m.lastHint = now
	}
	m.hintMu.Unlock()

	if tooSoon || fn == nil {
		return
	}
	log.Debug("keyframe requested by viewer", logging.KeyClientID, viewerID)
	fn()
}
