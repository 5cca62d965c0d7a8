package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/appctx"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

const DefaultRingTimeout = 30 * time.Second

var (
	ErrMissingDependency = errors.New("call machine dependency missing")
	ErrStopped           = errors.New("call machine stopped")
)

// Signaler is the outbound half of a signaling.Channel.
type Signaler interface {
	Send(signaling.Message) error
}

// Directory answers presence questions; presence.Tracker implements it.
type Directory interface {
	Reachable(peerID string) bool
	Lookup(peerID string) (string, bool)
}

// TransportFactory creates a PeerTransport wired to the given handlers.
type TransportFactory func(webrtcpeer.Handlers) (PeerTransport, error)

type Deps struct {
	Signaler     Signaler
	Directory    Directory
	Source       media.Source
	Policy       *media.Policy
	NewTransport TransportFactory
}

type Machine struct {
	log         *slog.Logger
	clock       clock.Clock
	presenter   ui.Presenter
	metrics     *metrics.Metrics
	ringTimeout time.Duration
	autoRes     bool

	sig          Signaler
	dir          Directory
	source       media.Source
	policy       *media.Policy
	newTransport TransportFactory

	queue *eventQueue
	// async runs media acquisition off the loop.
	async func(func())

	// Loop-owned state.
	self       signaling.PeerIdentity
	loggedIn   bool
	sess       *Session
	lastGen    uint64
	local      media.Stream
	resolution string
	controls   *ui.CallControls

	snapMu sync.Mutex
	snap   Snapshot
}

func NewMachine(cc *appctx.ClientContext, deps Deps) (*Machine, error) {
	if deps.Signaler == nil || deps.Directory == nil || deps.Source == nil || deps.Policy == nil || deps.NewTransport == nil {
		return nil, ErrMissingDependency
	}
	resolution := cc.Config.Resolution
	if resolution == "" {
		resolution = "480p"
	}
	if _, err := deps.Policy.Lookup(resolution); err != nil {
		return nil, err
	}
	ring := cc.Config.RingTimeout
	if ring <= 0 {
		ring = DefaultRingTimeout
	}
	clk := cc.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	m := &Machine{
		log:          cc.Logger.With("component", "call"),
		clock:        clk,
		presenter:    cc.Presenter,
		metrics:      cc.Metrics,
		ringTimeout:  ring,
		autoRes:      cc.Config.AutoResolution,
		sig:          deps.Signaler,
		dir:          deps.Directory,
		source:       deps.Source,
		policy:       deps.Policy,
		newTransport: deps.NewTransport,
		queue:        newEventQueue(),
		async:        func(f func()) { go f() },
		resolution:   resolution,
	}
	m.snap = Snapshot{Resolution: resolution}
	return m, nil
}

// Run handles events until ctx is done. On exit any call is hung up and local
// media is released.
func (m *Machine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.queue.Close)
	defer stop()
	for {
		ev, ok := m.queue.Pop()
		if !ok {
			m.shutdown()
			return ctx.Err()
		}
		m.handle(ev)
	}
}

// processPending handles queued events, including ones queued by handlers,
// on the caller's goroutine.
func (m *Machine) processPending() {
	for {
		ev, ok := m.queue.TryPop()
		if !ok {
			return
		}
		m.handle(ev)
	}
}

func (m *Machine) post(ev event) {
	if !m.queue.Push(ev) {
		m.log.Debug("event dropped after shutdown", "event", fmt.Sprintf("%T", ev))
	}
}

func (m *Machine) Call(peerID string)                   { m.post(callCmd{peerID: peerID}) }
func (m *Machine) Accept()                              { m.post(acceptCmd{}) }
func (m *Machine) Reject()                              { m.post(rejectCmd{}) }
func (m *Machine) Hangup()                              { m.post(hangupCmd{}) }
func (m *Machine) SetResolution(label string)           { m.post(resolutionCmd{label: label}) }
func (m *Machine) Renegotiate()                         { m.post(renegotiateCmd{}) }
func (m *Machine) StartPreview()                        { m.post(previewCmd{}) }
func (m *Machine) QualityChanged(label quality.Label)   { m.post(qualityCmd{label: label}) }
func (m *Machine) HandleSignal(msg signaling.Message)   { m.post(signalEvent{msg: msg}) }
func (m *Machine) SetIdentity(p signaling.PeerIdentity) { m.post(identityCmd{self: p, loggedIn: true}) }

// ClearIdentity ends any call and forgets the login, e.g. on logout.
func (m *Machine) ClearIdentity() { m.post(identityCmd{}) }

// SignOut is ClearIdentity that waits until the loop has handled it, so a
// call-end for any live call has been handed to the Signaler before the
// caller tears the channel down.
func (m *Machine) SignOut(ctx context.Context) error {
	done := make(chan struct{})
	if !m.queue.Push(identityCmd{done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

func (m *Machine) State() State { return m.Snapshot().State }

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case callCmd:
		m.startCall(ev.peerID)
	case acceptCmd:
		m.accept()
	case rejectCmd:
		m.reject()
	case hangupCmd:
		m.hangup()
	case resolutionCmd:
		m.setResolution(ev.label)
	case renegotiateCmd:
		m.renegotiate()
	case previewCmd:
		m.startPreview()
	case qualityCmd:
		m.qualityChanged(ev.label)
	case identityCmd:
		m.setIdentity(ev)
	case signalEvent:
		m.dispatch(ev.msg)
	case localCandidate:
		m.onLocalCandidate(ev)
	case remoteTrack:
		m.onRemoteTrack(ev)
	case connState:
		m.onConnState(ev)
	case ringExpired:
		m.onRingExpired(ev)
	case mediaReady:
		m.onMediaReady(ev)
	default:
		m.log.Warn("unhandled event", "event", fmt.Sprintf("%T", ev))
	}
	m.publish()
}

// dispatch routes call-related signaling; presence and login traffic is
// handled elsewhere and ignored here.
func (m *Machine) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.KindCallInitiated:
		m.onCallInitiated(msg)
	case signaling.KindCallAccepted:
		m.onCallAccepted(msg)
	case signaling.KindCallRejected:
		m.onCallRejected(msg)
	case signaling.KindCallEnded:
		m.onCallEnded(msg)
	case signaling.KindOffer:
		m.onOffer(msg)
	case signaling.KindAnswer:
		m.onAnswer(msg)
	case signaling.KindCandidate:
		m.onRemoteCandidate(msg)
	case signaling.KindError:
		m.onRelayError(msg)
	default:
		m.log.Debug("ignoring message", "type", msg.Type)
	}
}

// current returns the live session if it belongs to gen.
func (m *Machine) current(gen uint64) *Session {
	if m.sess == nil || m.sess.gen != gen {
		return nil
	}
	return m.sess
}

// fromPeer returns the live session if msg came from its peer.
func (m *Machine) fromPeer(msg signaling.Message) *Session {
	s := m.sess
	if s == nil || msg.PeerID() != s.peerID {
		m.log.Debug("message for stale or absent call", "type", msg.Type, "from", msg.PeerID())
		return nil
	}
	return s
}

func (m *Machine) newSession(state State, peerID, peerName string, initiator bool) *Session {
	m.lastGen++
	if peerName == "" {
		peerName = peerID
	}
	s := &Session{gen: m.lastGen, state: state, peerID: peerID, peerName: peerName, isInitiator: initiator}
	m.sess = s
	return s
}

func (m *Machine) send(msg signaling.Message) error {
	if err := m.sig.Send(msg); err != nil {
		m.log.Warn("signaling send failed", "type", msg.Type, "err", err)
		return err
	}
	return nil
}

func (m *Machine) startCall(peerID string) {
	if m.sess != nil {
		m.presenter.ShowError("already in a call")
		return
	}
	if !m.loggedIn {
		m.presenter.ShowError("not logged in")
		return
	}
	if !m.dir.Reachable(peerID) {
		m.presenter.ShowError(fmt.Sprintf("%s is not available", peerID))
		return
	}
	name, _ := m.dir.Lookup(peerID)
	s := m.newSession(RingingOutgoing, peerID, name, true)
	m.metrics.Inc(metrics.CallStarted)
	m.log.Info("starting call", "peer", peerID, "gen", s.gen)

	if m.local != nil {
		m.sendInitiate(s)
		return
	}
	m.presenter.ShowStatus("Requesting camera and microphone")
	m.acquire(s.gen, mediaForCall)
}

func (m *Machine) sendInitiate(s *Session) {
	err := m.send(signaling.Message{
		Type:           signaling.KindCallInitiate,
		TargetSocketID: s.peerID,
		CallerID:       m.self.UserID,
		CallerName:     m.self.Username,
	})
	if err != nil {
		m.presenter.ShowError("could not reach the relay")
		m.endSession(s, "signaling unavailable")
		return
	}
	s.announced = true
	m.presenter.ShowStatus(fmt.Sprintf("Calling %s", s.peerName))
}

func (m *Machine) onCallInitiated(msg signaling.Message) {
	caller := msg.CallerSocketID
	if s := m.sess; s != nil {
		if s.peerID == caller && s.state == RingingIncoming {
			m.log.Debug("duplicate call-initiated", "peer", caller)
			return
		}
		if s.peerID == caller && s.state == RingingOutgoing {
			// Both sides dialled each other. The lower user id keeps its
			// outgoing call and the other side answers it.
			if m.self.UserID < caller {
				m.log.Info("crossed calls; keeping ours", "peer", caller)
				return
			}
			m.log.Info("crossed calls; taking theirs", "peer", caller)
			m.endSession(s, "crossed with incoming call")
		}
	}
	if s := m.sess; s != nil {
		m.log.Info("busy; rejecting incoming call", "from", caller, "state", s.state.String())
		m.metrics.Inc(metrics.CallRejectedBusy)
		_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: caller, Reason: signaling.ReasonBusy})
		m.presenter.ShowStatus(fmt.Sprintf("Missed call from %s (busy)", displayName(msg.CallerName, caller)))
		return
	}
	if !m.loggedIn || !m.dir.Reachable(caller) {
		m.log.Info("rejecting call from unreachable peer", "from", caller)
		_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: caller, Reason: signaling.ReasonUnavailable})
		return
	}

	s := m.newSession(RingingIncoming, caller, msg.CallerName, false)
	s.announced = true
	gen := s.gen
	s.ringTimer = m.clock.AfterFunc(m.ringTimeout, func() { m.post(ringExpired{gen: gen}) })
	m.metrics.Inc(metrics.CallIncoming)
	m.presenter.ShowStatus(fmt.Sprintf("Incoming call from %s", s.peerName))
}

func (m *Machine) onRingExpired(ev ringExpired) {
	s := m.current(ev.gen)
	if s == nil || s.state != RingingIncoming || s.accepting {
		return
	}
	m.metrics.Inc(metrics.CallRingTimeout)
	_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: s.peerID, Reason: signaling.ReasonTimeout})
	m.presenter.ShowStatus(fmt.Sprintf("Missed call from %s", s.peerName))
	m.endSession(s, "not answered")
}

func (m *Machine) accept() {
	s := m.sess
	if s == nil || s.state != RingingIncoming || s.accepting {
		m.presenter.ShowError("no incoming call to accept")
		return
	}
	stopTimer(s)
	s.accepting = true
	if m.local != nil {
		m.completeAccept(s)
		return
	}
	m.presenter.ShowStatus("Requesting camera and microphone")
	m.acquire(s.gen, mediaForAccept)
}

func (m *Machine) completeAccept(s *Session) {
	err := m.send(signaling.Message{
		Type:           signaling.KindCallAccept,
		TargetSocketID: s.peerID,
		CalleeID:       m.self.UserID,
		CalleeName:     m.self.Username,
	})
	if err != nil {
		m.presenter.ShowError("could not reach the relay")
		m.endSession(s, "signaling unavailable")
		return
	}
	if err := m.createTransport(s); err != nil {
		m.failSession(s, err)
		return
	}
	m.presenter.ShowStatus(fmt.Sprintf("Connecting to %s", s.peerName))
}

func (m *Machine) reject() {
	s := m.sess
	if s == nil || s.state != RingingIncoming {
		m.presenter.ShowError("no incoming call to reject")
		return
	}
	_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: s.peerID, Reason: signaling.ReasonDeclined})
	m.endSession(s, "declined")
}

// hangup is a no-op while idle.
func (m *Machine) hangup() {
	s := m.sess
	if s == nil {
		return
	}
	if s.state == RingingIncoming {
		m.reject()
		return
	}
	if s.announced {
		_ = m.send(signaling.Message{Type: signaling.KindCallEnd, TargetSocketID: s.peerID})
	}
	m.endSession(s, "hung up")
}

func (m *Machine) onCallAccepted(msg signaling.Message) {
	s := m.sess
	if s == nil {
		m.log.Debug("call-accepted with no call", "from", msg.From)
		return
	}
	if msg.From != s.peerID {
		m.metrics.Inc(metrics.CallRejectedBusy)
		_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: msg.From, Reason: signaling.ReasonBusy})
		return
	}
	if s.state != RingingOutgoing || !s.announced {
		m.log.Debug("unexpected call-accepted", "state", s.state.String())
		return
	}
	if msg.CalleeName != "" {
		s.peerName = msg.CalleeName
	}
	if err := m.createTransport(s); err != nil {
		m.failSession(s, err)
		return
	}
	m.presenter.ShowStatus(fmt.Sprintf("%s accepted; connecting", s.peerName))
	m.sendOffer(s)
}

func (m *Machine) onCallRejected(msg signaling.Message) {
	s := m.fromPeer(msg)
	if s == nil {
		return
	}
	name := displayName(msg.RejecterName, s.peerName)
	switch msg.Reason {
	case signaling.ReasonBusy:
		m.presenter.ShowStatus(fmt.Sprintf("%s is busy", name))
	case signaling.ReasonTimeout:
		m.presenter.ShowStatus(fmt.Sprintf("%s did not answer", name))
	case signaling.ReasonMediaUnavailable:
		m.presenter.ShowStatus(fmt.Sprintf("%s could not start their camera", name))
	default:
		m.presenter.ShowStatus(fmt.Sprintf("%s declined the call", name))
	}
	m.endSession(s, "rejected")
}

func (m *Machine) onCallEnded(msg signaling.Message) {
	s := m.fromPeer(msg)
	if s == nil {
		return
	}
	m.presenter.ShowStatus(fmt.Sprintf("%s ended the call", displayName(msg.EndedByName, s.peerName)))
	m.endSession(s, "ended by peer")
}

// onRelayError ends the call when the relay could not deliver to its peer.
func (m *Machine) onRelayError(msg signaling.Message) {
	m.presenter.ShowError(msg.Message)
	if s := m.sess; s != nil && msg.Target != "" && msg.Target == s.peerID {
		m.endSession(s, "peer unreachable")
	}
}

func (m *Machine) onRemoteTrack(ev remoteTrack) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	s.remoteTracks++
	m.log.Debug("remote track", "kind", ev.kind.String())
	if s.state == Negotiating {
		m.activate(s, "remote track")
	}
}

func (m *Machine) activate(s *Session, via string) {
	s.state = Active
	m.metrics.Inc(metrics.CallActive)
	m.log.Info("call active", "peer", s.peerID, "via", via)
	m.presenter.ShowStatus(fmt.Sprintf("In call with %s", s.peerName))
}

// failSession ends the call after a negotiation or transport error.
func (m *Machine) failSession(s *Session, err error) {
	m.metrics.Inc(metrics.NegotiationFailed)
	m.log.Warn("call failed", "peer", s.peerID, "err", err)
	m.presenter.ShowError(fmt.Sprintf("call failed: %v", err))
	if s.announced {
		_ = m.send(signaling.Message{Type: signaling.KindCallEnd, TargetSocketID: s.peerID})
	}
	m.endSession(s, "failed")
}

// endSession tears the call down to Idle. Local capture is kept for the next
// call; remote tracks end with the transport.
func (m *Machine) endSession(s *Session, reason string) {
	s.state = Ending
	stopTimer(s)
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			m.log.Debug("transport close", "err", err)
		}
		s.transport = nil
	}
	s.pending = nil
	if m.sess == s {
		m.sess = nil
	}
	m.metrics.Inc(metrics.CallEnded)
	m.log.Info("call ended", "peer", s.peerID, "gen", s.gen, "reason", reason)
	m.presenter.ShowStatus("Ready")
}

func stopTimer(s *Session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (m *Machine) setIdentity(ev identityCmd) {
	if ev.done != nil {
		defer close(ev.done)
	}
	if !ev.loggedIn {
		m.hangup()
		m.self = signaling.PeerIdentity{}
		m.loggedIn = false
		return
	}
	m.self = ev.self
	m.loggedIn = true
}

func (m *Machine) shutdown() {
	if m.sess != nil {
		m.hangup()
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.publish()
}

func (m *Machine) publish() {
	snap := Snapshot{Resolution: m.resolution, LocalMedia: m.local != nil, LoggedIn: m.loggedIn}
	if s := m.sess; s != nil {
		snap.State = s.state
		snap.PeerID = s.peerID
		snap.PeerName = s.peerName
		snap.IsInitiator = s.isInitiator
		snap.PendingCandidates = len(s.pending)
		snap.RemoteTracks = s.remoteTracks
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	controls := ui.CallControls{
		CanCall:   snap.State == Idle && m.loggedIn,
		CanAccept: snap.State == RingingIncoming && !m.sess.accepting,
		CanReject: snap.State == RingingIncoming,
		CanHangup: snap.State != Idle,
	}
	if m.controls == nil || *m.controls != controls {
		m.controls = &controls
		m.presenter.UpdateCallButtons(controls)
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
