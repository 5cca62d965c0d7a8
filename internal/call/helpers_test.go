package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/appctx"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

type fakeSignaler struct {
	mu   sync.Mutex
	msgs []signaling.Message
	err  error
}

func (f *fakeSignaler) Send(msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

// take returns and forgets everything sent so far.
func (f *fakeSignaler) take() []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

func ofType(msgs []signaling.Message, kind signaling.Kind) []signaling.Message {
	var out []signaling.Message
	for _, m := range msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeDirectory maps reachable peer ids to names.
type fakeDirectory map[string]string

func (d fakeDirectory) Reachable(id string) bool {
	_, ok := d[id]
	return ok
}

func (d fakeDirectory) Lookup(id string) (string, bool) {
	name, ok := d[id]
	return name, ok
}

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	local   *webrtc.TrackLocalStaticSample
	stopped bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) ID() string                { return t.local.ID() }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return t.local }
func (t *fakeTrack) Stop()                     { t.stopped = true }

type fakeStream struct{ tracks []*fakeTrack }

func (s *fakeStream) Tracks() []media.Track {
	out := make([]media.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopped() bool {
	for _, t := range s.tracks {
		if !t.stopped {
			return false
		}
	}
	return true
}

type fakeSource struct {
	deny bool
	// denyLabel refuses only the preset with this label.
	denyLabel string
	audioOnly bool
	calls     int
	streams   []*fakeStream
	last      media.Constraints
}

func (f *fakeSource) RegisterCodecs(*webrtc.MediaEngine) error { return nil }

func (f *fakeSource) GetUserMedia(_ context.Context, c media.Constraints) (media.Stream, error) {
	f.calls++
	f.last = c
	if f.deny || (f.denyLabel != "" && c.Label == f.denyLabel) {
		return nil, media.ErrPermissionDenied
	}
	s := &fakeStream{}
	n := len(f.streams)
	if c.Video && !f.audioOnly {
		vt, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, fmt.Sprintf("video-%d", n), "s")
		s.tracks = append(s.tracks, &fakeTrack{kind: webrtc.RTPCodecTypeVideo, local: vt})
	}
	if c.Audio {
		at, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, fmt.Sprintf("audio-%d", n), "s")
		s.tracks = append(s.tracks, &fakeTrack{kind: webrtc.RTPCodecTypeAudio, local: at})
	}
	f.streams = append(f.streams, s)
	return s, nil
}

var errNoRemoteDescription = errors.New("remote description not set")

// mockTransport records every call the machine makes.
type mockTransport struct {
	handlers webrtcpeer.Handlers

	offers     int
	answers    int
	localSet   int
	remoteSet  int
	hasRemote  bool
	candidates []string
	senders    map[webrtc.RTPCodecType]webrtc.TrackLocal
	replaced   []webrtc.RTPCodecType
	closed     int

	failCreateOffer error
	failSetRemote   error
	badCandidate    string
}

func newMockTransport(h webrtcpeer.Handlers) *mockTransport {
	return &mockTransport{handlers: h, senders: make(map[webrtc.RTPCodecType]webrtc.TrackLocal)}
}

func (t *mockTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.failCreateOffer != nil {
		return webrtc.SessionDescription{}, t.failCreateOffer
	}
	t.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", t.offers)}, nil
}

func (t *mockTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if !t.hasRemote {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	t.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.answers)}, nil
}

func (t *mockTransport) SetLocalDescription(webrtc.SessionDescription) error {
	t.localSet++
	return nil
}

func (t *mockTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	if t.failSetRemote != nil {
		return t.failSetRemote
	}
	t.remoteSet++
	t.hasRemote = true
	return nil
}

func (t *mockTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if !t.hasRemote {
		return errNoRemoteDescription
	}
	if c.Candidate == t.badCandidate {
		return errors.New("malformed candidate")
	}
	t.candidates = append(t.candidates, c.Candidate)
	return nil
}

func (t *mockTransport) AddTrack(track webrtc.TrackLocal) error {
	if _, ok := t.senders[track.Kind()]; ok {
		return errors.New("duplicate sender")
	}
	t.senders[track.Kind()] = track
	return nil
}

func (t *mockTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (bool, error) {
	if _, ok := t.senders[kind]; !ok {
		return false, nil
	}
	t.senders[kind] = track
	t.replaced = append(t.replaced, kind)
	return true, nil
}

func (t *mockTransport) SenderKinds() []webrtc.RTPCodecType {
	var out []webrtc.RTPCodecType
	for k := range t.senders {
		out = append(out, k)
	}
	return out
}

func (t *mockTransport) Close() error {
	t.closed++
	return nil
}

type harness struct {
	t          *testing.T
	m          *Machine
	sig        *fakeSignaler
	dir        fakeDirectory
	src        *fakeSource
	clk        *clock.Fake
	rec        *ui.Recorder
	metrics    *metrics.Metrics
	self       signaling.PeerIdentity
	transports []*mockTransport
	// prepare, when set, configures each new mock transport.
	prepare func(*mockTransport)
}

func newHarness(t *testing.T, self signaling.PeerIdentity, peers fakeDirectory) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sig:     &fakeSignaler{},
		dir:     peers,
		src:     &fakeSource{},
		clk:     clock.NewFake(time.Unix(0, 0)),
		rec:     &ui.Recorder{},
		metrics: metrics.New(),
		self:    self,
	}
	policy, err := media.NewPolicy("")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	cc := &appctx.ClientContext{
		Config:    config.ClientConfig{Resolution: "480p", RingTimeout: 30 * time.Second},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     h.clk,
		Metrics:   h.metrics,
		Presenter: h.rec,
	}
	m, err := NewMachine(cc, Deps{
		Signaler:  h.sig,
		Directory: h.dir,
		Source:    h.src,
		Policy:    policy,
		NewTransport: func(handlers webrtcpeer.Handlers) (PeerTransport, error) {
			mt := newMockTransport(handlers)
			if h.prepare != nil {
				h.prepare(mt)
			}
			h.transports = append(h.transports, mt)
			return mt, nil
		},
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	m.async = func(f func()) { f() }
	h.m = m

	m.SetIdentity(self)
	m.processPending()
	return h
}

// deliver feeds msg to the machine and runs the loop until idle.
func (h *harness) deliver(msg signaling.Message) {
	h.t.Helper()
	if err := msg.Validate(); err != nil {
		h.t.Fatalf("invalid test message %+v: %v", msg, err)
	}
	h.m.HandleSignal(msg)
	h.m.processPending()
}

func (h *harness) run(f func()) {
	f()
	h.m.processPending()
}

func (h *harness) transport() *mockTransport {
	h.t.Helper()
	if len(h.transports) == 0 {
		h.t.Fatalf("no transport created")
	}
	return h.transports[len(h.transports)-1]
}

func (h *harness) wantState(want State) {
	h.t.Helper()
	if got := h.m.State(); got != want {
		h.t.Fatalf("state=%v, want %v", got, want)
	}
}

func candidateMsg(from, cand string) signaling.Message {
	return signaling.Message{Type: signaling.KindCandidate, From: from, Target: "self", Candidate: &signaling.Candidate{Candidate: cand}}
}
