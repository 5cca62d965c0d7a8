package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// event is the closed set of inputs to the machine.
type event interface{ isEvent() }

type callCmd struct{ peerID string }
type acceptCmd struct{}
type rejectCmd struct{}
type hangupCmd struct{}
type resolutionCmd struct{ label string }
type renegotiateCmd struct{}
type previewCmd struct{}
type qualityCmd struct{ label quality.Label }

type identityCmd struct {
	self     signaling.PeerIdentity
	loggedIn bool
	// done, when set, is closed once the command has been handled.
	done chan struct{}
}

type signalEvent struct{ msg signaling.Message }

// Transport and timer events carry the generation of the call that produced
// them; anything from an older call is dropped.
type localCandidate struct {
	gen       uint64
	candidate webrtc.ICECandidateInit
}

type remoteTrack struct {
	gen  uint64
	kind webrtc.RTPCodecType
}

type connState struct {
	gen   uint64
	state webrtc.PeerConnectionState
}

type ringExpired struct{ gen uint64 }

type mediaPurpose int

const (
	mediaForCall mediaPurpose = iota
	mediaForAccept
	mediaForResolution
	// mediaForRestore re-acquires the previous preset after a resolution
	// change could not get the device.
	mediaForRestore
	mediaForPreview
)

type mediaReady struct {
	gen         uint64
	purpose     mediaPurpose
	constraints media.Constraints
	stream      media.Stream
	err         error
}

func (callCmd) isEvent()        {}
func (acceptCmd) isEvent()      {}
func (rejectCmd) isEvent()      {}
func (hangupCmd) isEvent()      {}
func (resolutionCmd) isEvent()  {}
func (renegotiateCmd) isEvent() {}
func (previewCmd) isEvent()     {}
func (qualityCmd) isEvent()     {}
func (identityCmd) isEvent()    {}
func (signalEvent) isEvent()    {}
func (localCandidate) isEvent() {}
func (remoteTrack) isEvent()    {}
func (connState) isEvent()      {}
func (ringExpired) isEvent()    {}
func (mediaReady) isEvent()     {}
