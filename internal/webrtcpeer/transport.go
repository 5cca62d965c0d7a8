package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("peer transport closed")

// Handlers receive pion callbacks. They run on pion goroutines and must not
// block.
type Handlers struct {
	OnCandidate       func(webrtc.ICECandidateInit)
	OnTrack           func(kind webrtc.RTPCodecType, trackID string)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Transport owns one PeerConnection and its senders.
type Transport struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	closed  bool

	closeOnce sync.Once
	closeErr  error

	rtpPackets atomic.Uint64
	rtpBytes   atomic.Uint64
}

func NewTransport(api *webrtc.API, iceServers []webrtc.ICEServer, h Handlers, logger *slog.Logger) (*Transport, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{
		pc:      pc,
		log:     logger.With("component", "webrtcpeer"),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})

	// The only connection state handler on this PeerConnection.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("connection state", "state", state.String())
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := remote.Kind()
		t.log.Info("remote track", "kind", kind.String(), "id", remote.ID(), "codec", remote.Codec().MimeType)
		if kind == webrtc.RTPCodecTypeVideo {
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
				t.log.Debug("write PLI", "err", err)
			}
		}
		if h.OnTrack != nil {
			h.OnTrack(kind, remote.ID())
		}
		go t.readRemote(remote)
	})

	return t, nil
}

func (t *Transport) readRemote(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		t.countPacket(pkt)
	}
}

func (t *Transport) countPacket(pkt *rtp.Packet) {
	t.rtpPackets.Add(1)
	t.rtpBytes.Add(uint64(len(pkt.Payload)))
}

// ReceivedPackets reports inbound RTP packet and payload byte counts.
func (t *Transport) ReceivedPackets() (packets, bytes uint64) {
	return t.rtpPackets.Load(), t.rtpBytes.Load()
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// AddTrack adds a sender for track's kind. At most one sender per kind.
func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.senders[track.Kind()]; ok {
		return fmt.Errorf("sender for %s already exists", track.Kind())
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.senders[track.Kind()] = sender
	go drainRTCP(sender)
	return nil
}

// ReplaceTrack swaps the outgoing track of kind without renegotiating. It
// reports false when no sender of that kind exists.
func (t *Transport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (bool, error) {
	t.mu.Lock()
	sender, ok := t.senders[kind]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if !ok {
		return false, nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return true, err
	}
	return true, nil
}

func (t *Transport) SenderKinds() []webrtc.RTPCodecType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.RTPCodecType, 0, len(t.senders))
	for k := range t.senders {
		out = append(out, k)
	}
	return out
}

// Close closes the PeerConnection, which also ends every remote track.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

// drainRTCP reads sender RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
