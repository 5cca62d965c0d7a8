package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
)

type State int

const (
	Idle State = iota
	RingingOutgoing
	RingingIncoming
	Negotiating
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RingingOutgoing:
		return "ringing-outgoing"
	case RingingIncoming:
		return "ringing-incoming"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PeerTransport is the peer connection a Session drives.
// webrtcpeer.Transport implements it.
type PeerTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (bool, error)
	SenderKinds() []webrtc.RTPCodecType
	Close() error
}

// Session is the single non-idle call. The machine holds at most one.
type Session struct {
	gen   uint64
	state State

	peerID   string
	peerName string
	// isInitiator is set at creation and never changes.
	isInitiator bool

	// announced is true once the peer knows about this call.
	announced bool
	accepting bool
	ringTimer clock.Timer

	transport    PeerTransport
	remoteSet    bool
	offerPending bool
	// pending holds remote candidates until a remote description is set;
	// afterwards it stays empty for the rest of the call.
	pending []webrtc.ICECandidateInit

	remoteTracks int
}

// Snapshot is a copy of the machine's observable state.
type Snapshot struct {
	State             State
	PeerID            string
	PeerName          string
	IsInitiator       bool
	PendingCandidates int
	RemoteTracks      int
	Resolution        string
	LocalMedia        bool
	LoggedIn          bool
}
