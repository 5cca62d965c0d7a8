package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

var (
	ErrNotActive     = errors.New("call is not active")
	ErrNotInitiator  = errors.New("only the caller may renegotiate")
	ErrOfferInFlight = errors.New("negotiation already in progress")
)

// acquire requests local media at the current resolution off the loop; the
// result comes back as a mediaReady event.
func (m *Machine) acquire(gen uint64, purpose mediaPurpose) {
	c, err := m.policy.Lookup(m.resolution)
	if err != nil {
		m.post(mediaReady{gen: gen, purpose: purpose, err: err})
		return
	}
	m.acquireWith(gen, purpose, c)
}

func (m *Machine) acquireWith(gen uint64, purpose mediaPurpose, c media.Constraints) {
	src := m.source
	m.async(func() {
		stream, err := src.GetUserMedia(context.Background(), c)
		m.post(mediaReady{gen: gen, purpose: purpose, constraints: c, stream: stream, err: err})
	})
}

func (m *Machine) onMediaReady(ev mediaReady) {
	s := m.current(ev.gen)
	if ev.err != nil {
		m.metrics.Inc(metrics.MediaUnavailable)
		m.log.Warn("local media unavailable", "err", ev.err)
		m.presenter.ShowError(fmt.Sprintf("camera/microphone unavailable: %v", ev.err))
		switch {
		case ev.purpose == mediaForCall && s != nil && s.state == RingingOutgoing && !s.announced:
			m.endSession(s, "media unavailable")
		case ev.purpose == mediaForAccept && s != nil && s.state == RingingIncoming:
			_ = m.send(signaling.Message{Type: signaling.KindCallReject, TargetSocketID: s.peerID, Reason: signaling.ReasonMediaUnavailable})
			m.endSession(s, "media unavailable")
		case ev.purpose == mediaForResolution && s != nil && s.state == Active:
			m.restoreMedia(s)
		case ev.purpose == mediaForRestore && s != nil && s.state == Active && m.local == nil:
			// The senders still hold the stopped tracks; nothing left to send.
			_ = m.send(signaling.Message{Type: signaling.KindCallEnd, TargetSocketID: s.peerID})
			m.endSession(s, "media unavailable")
		}
		return
	}

	if ev.purpose == mediaForResolution || ev.purpose == mediaForRestore || m.local == nil {
		if m.local != nil {
			m.local.Stop()
		}
		m.local = ev.stream
		m.resolution = ev.constraints.Label
	} else {
		// Another request already produced a stream; keep that one.
		ev.stream.Stop()
	}

	switch ev.purpose {
	case mediaForCall:
		if s != nil && s.state == RingingOutgoing && !s.announced {
			m.sendInitiate(s)
		}
	case mediaForAccept:
		if s != nil && s.state == RingingIncoming && s.accepting {
			m.completeAccept(s)
		}
	case mediaForResolution, mediaForRestore:
		if s != nil && s.state == Active && s.transport != nil {
			m.applyStream(s)
		}
	case mediaForPreview:
		m.presenter.ShowStatus(fmt.Sprintf("Preview running at %s", m.resolution))
	}
}

// createTransport builds the peer transport for s, attaches local tracks and
// moves the call to Negotiating.
func (m *Machine) createTransport(s *Session) error {
	gen := s.gen
	t, err := m.newTransport(webrtcpeer.Handlers{
		OnCandidate: func(c webrtc.ICECandidateInit) { m.post(localCandidate{gen: gen, candidate: c}) },
		OnTrack:     func(kind webrtc.RTPCodecType, _ string) { m.post(remoteTrack{gen: gen, kind: kind}) },
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			m.post(connState{gen: gen, state: state})
		},
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.transport = t
	if m.local != nil {
		for _, track := range m.local.Tracks() {
			if err := t.AddTrack(track.Local()); err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
		}
	}
	s.state = Negotiating
	return nil
}

// sendOffer creates and sends an offer. Errors end the call.
func (m *Machine) sendOffer(s *Session) {
	offer, err := s.transport.CreateOffer()
	if err != nil {
		m.failSession(s, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		m.failSession(s, fmt.Errorf("set local offer: %w", err))
		return
	}
	err = m.send(signaling.Message{
		Type:   signaling.KindOffer,
		Target: s.peerID,
		From:   m.self.UserID,
		Offer:  signaling.SDPFromPion(offer),
	})
	if err != nil {
		// The transport now holds an offer the peer will never answer.
		m.failSession(s, fmt.Errorf("send offer: %w", err))
		return
	}
	s.offerPending = true
}

func (m *Machine) onOffer(msg signaling.Message) {
	s := m.fromPeer(msg)
	if s == nil {
		return
	}
	if s.isInitiator {
		m.log.Warn("ignoring offer from responder", "peer", s.peerID)
		return
	}
	if s.state != Negotiating && s.state != Active {
		m.log.Debug("offer before accept", "state", s.state.String())
		return
	}
	if s.transport == nil {
		if err := m.createTransport(s); err != nil {
			m.failSession(s, err)
			return
		}
	}

	desc, err := msg.Offer.ToPion()
	if err != nil {
		m.failSession(s, err)
		return
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		m.failSession(s, fmt.Errorf("set remote offer: %w", err))
		return
	}
	s.remoteSet = true
	m.drainPending(s)

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		m.failSession(s, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		m.failSession(s, fmt.Errorf("set local answer: %w", err))
		return
	}
	err = m.send(signaling.Message{
		Type:   signaling.KindAnswer,
		Target: msg.From,
		From:   m.self.UserID,
		Answer: signaling.SDPFromPion(answer),
	})
	if err != nil {
		m.failSession(s, fmt.Errorf("send answer: %w", err))
	}
}

func (m *Machine) onAnswer(msg signaling.Message) {
	s := m.fromPeer(msg)
	if s == nil {
		return
	}
	if s.transport == nil || !s.offerPending {
		m.log.Debug("answer without a pending offer", "peer", s.peerID)
		return
	}
	desc, err := msg.Answer.ToPion()
	if err != nil {
		m.failSession(s, err)
		return
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		m.failSession(s, fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.offerPending = false
	s.remoteSet = true
	m.drainPending(s)
}

func (m *Machine) onRemoteCandidate(msg signaling.Message) {
	s := m.fromPeer(msg)
	if s == nil {
		return
	}
	c := msg.Candidate.ToPion()
	if s.transport == nil || !s.remoteSet {
		s.pending = append(s.pending, c)
		m.metrics.Inc(metrics.CandidateQueued)
		return
	}
	m.applyCandidate(s, c)
}

// applyCandidate swallows failures; one bad candidate must not end a call.
func (m *Machine) applyCandidate(s *Session, c webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(c); err != nil {
		m.metrics.Inc(metrics.CandidateApplyError)
		m.log.Warn("candidate rejected", "peer", s.peerID, "err", err)
	}
}

func (m *Machine) drainPending(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		m.applyCandidate(s, c)
	}
}

func (m *Machine) onLocalCandidate(ev localCandidate) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	c := ev.candidate
	_ = m.send(signaling.Message{
		Type:      signaling.KindCandidate,
		Target:    s.peerID,
		From:      m.self.UserID,
		Candidate: signaling.CandidateFromPion(c),
	})
}

func (m *Machine) onConnState(ev connState) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	switch ev.state {
	case webrtc.PeerConnectionStateConnected:
		if s.state == Negotiating {
			m.activate(s, "connected")
		}
	case webrtc.PeerConnectionStateDisconnected:
		m.presenter.ShowStatus("Connection unstable")
	case webrtc.PeerConnectionStateFailed:
		m.presenter.ShowError("connection to peer lost")
		if s.announced {
			_ = m.send(signaling.Message{Type: signaling.KindCallEnd, TargetSocketID: s.peerID})
		}
		m.endSession(s, "transport failed")
	case webrtc.PeerConnectionStateClosed:
		m.endSession(s, "transport closed")
	}
}

func (m *Machine) setResolution(label string) {
	c, err := m.policy.Lookup(label)
	if err != nil {
		m.presenter.ShowError(err.Error())
		return
	}
	s := m.sess
	if s == nil || s.state != Active {
		m.resolution = c.Label
		if s == nil && m.local != nil {
			m.local.Stop()
			m.local = nil
			m.acquireWith(0, mediaForPreview, c)
		}
		m.presenter.ShowStatus(fmt.Sprintf("Resolution set to %s", c.Label))
		return
	}

	// Release the capture device before asking for it again; restoreMedia
	// takes it back at the old preset if the new one is refused.
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.acquireWith(s.gen, mediaForResolution, c)
}

// restoreMedia re-acquires the current preset for a live call whose
// resolution change failed. m.resolution only moves on success.
func (m *Machine) restoreMedia(s *Session) {
	if m.local != nil {
		return
	}
	c, err := m.policy.Lookup(m.resolution)
	if err != nil {
		m.failSession(s, fmt.Errorf("restore media: %w", err))
		return
	}
	m.presenter.ShowStatus(fmt.Sprintf("Keeping %s", c.Label))
	m.acquireWith(s.gen, mediaForRestore, c)
}

// applyStream moves the live call onto m.local: replace senders in place, or
// add senders and renegotiate when a new media kind appears.
func (m *Machine) applyStream(s *Session) {
	kinds := s.transport.SenderKinds()
	renegotiate := media.NeedsRenegotiation(kinds, m.local)
	if renegotiate {
		if err := m.renegotiationAllowed(s); err != nil {
			m.presenter.ShowError(fmt.Sprintf("cannot add media: %v", err))
			renegotiate = false
		}
	}

	for _, track := range m.local.Tracks() {
		replaced, err := s.transport.ReplaceTrack(track.Kind(), track.Local())
		if err != nil {
			m.log.Warn("replace track failed", "kind", track.Kind().String(), "err", err)
			continue
		}
		if replaced {
			m.metrics.Inc(metrics.TrackReplaced)
			continue
		}
		if !renegotiate {
			continue
		}
		if err := s.transport.AddTrack(track.Local()); err != nil {
			m.failSession(s, fmt.Errorf("add %s track: %w", track.Kind(), err))
			return
		}
	}

	if renegotiate {
		m.metrics.Inc(metrics.Renegotiated)
		m.sendOffer(s)
	}
	if m.sess == s {
		m.presenter.ShowStatus(fmt.Sprintf("Resolution changed to %s", m.resolution))
	}
}

func (m *Machine) renegotiationAllowed(s *Session) error {
	switch {
	case s.state != Active:
		return ErrNotActive
	case !s.isInitiator:
		return ErrNotInitiator
	case s.offerPending:
		return ErrOfferInFlight
	}
	return nil
}

func (m *Machine) renegotiate() {
	s := m.sess
	if s == nil {
		m.presenter.ShowError(fmt.Sprintf("renegotiation refused: %v", ErrNotActive))
		return
	}
	if err := m.renegotiationAllowed(s); err != nil {
		m.presenter.ShowError(fmt.Sprintf("renegotiation refused: %v", err))
		return
	}
	m.metrics.Inc(metrics.Renegotiated)
	m.sendOffer(s)
}

func (m *Machine) qualityChanged(label quality.Label) {
	if !m.autoRes {
		return
	}
	s := m.sess
	if s == nil || s.state != Active {
		return
	}
	c, err := m.policy.ForQuality(label)
	if err != nil || c.Label == m.resolution {
		return
	}
	m.log.Info("adapting resolution to quality", "quality", string(label), "resolution", c.Label)
	m.setResolution(c.Label)
}

func (m *Machine) startPreview() {
	if m.local != nil {
		m.presenter.ShowStatus(fmt.Sprintf("Preview running at %s", m.resolution))
		return
	}
	m.acquire(0, mediaForPreview)
}
