package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/appctx"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turncred"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

var testSTUN = webrtc.ICEServer{URLs: []string{"stun:stun.example.test:3478"}}

type testRelay struct {
	url     string
	hub     *relay.Hub
	metrics *metrics.Metrics
}

// startRelay serves a real hub on loopback, the way cmd/aero-call-relay does.
func startRelay(t *testing.T, tokenTTL time.Duration) *testRelay {
	t.Helper()
	return startRelayWithTURN(t, tokenTTL, config.TURNRESTConfig{})
}

func startRelayWithTURN(t *testing.T, tokenTTL time.Duration, turn config.TURNRESTConfig) *testRelay {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.RelayConfig{
		SignalingAuthTimeout: 5 * time.Second,
		WSIdleTimeout:        10 * time.Second,
		WSPingInterval:       time.Second,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: 200,
		ICEServers:           []webrtc.ICEServer{testSTUN},
	}
	m := metrics.New()
	codes := auth.NewAccessCodes("admin-code", "admin", map[string]string{
		"alice-code": "alice",
		"bob-code":   "bob",
	})
	tokens := auth.NewTokenIssuer("test-secret", tokenTTL)
	hub := relay.NewHub(codes, tokens, m, log)
	routes := httpserver.Routes{
		Signal: relay.NewWebSocketServer(cfg, hub, m, log),
	}
	if turn.Enabled() {
		minter, err := turncred.NewMinter(turn, nil)
		if err != nil {
			t.Fatalf("NewMinter: %v", err)
		}
		routes.TURN = minter
		routes.Authorize = func(token string) (string, error) {
			id, err := tokens.Verify(token)
			return id.UserID, err
		}
	}
	srv := httpserver.New(cfg, log, httpserver.BuildInfo{}, routes)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})
	return &testRelay{url: "ws://" + ln.Addr().String() + "/signal", hub: hub, metrics: m}
}

func testConfig(relayURL, code string) config.ClientConfig {
	return config.ClientConfig{
		RelayURL:      relayURL,
		Transport:     config.TransportWebSocket,
		AccessCode:    code,
		Resolution:    "480p",
		MaxResolution: "720p",
		MediaSource:   config.MediaSourceSynthetic,
		RingTimeout:   30 * time.Second,
		Reconnect: config.Reconnect{
			InitialDelay: 20 * time.Millisecond,
			Factor:       1.5,
			MaxDelay:     200 * time.Millisecond,
			MaxAttempts:  5,
		},
		PingInterval:  50 * time.Millisecond,
		QualityWindow: 3,
	}
}

// loopTransport stands in for a pion PeerConnection: it reports connected as
// soon as a remote description is applied.
type loopTransport struct {
	h webrtcpeer.Handlers

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]bool
	closed  bool
}

func newLoopTransport(h webrtcpeer.Handlers) (call.PeerTransport, error) {
	return &loopTransport{h: h, senders: make(map[webrtc.RTPCodecType]bool)}, nil
}

func (t *loopTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (t *loopTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (t *loopTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (t *loopTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	go t.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	return nil
}

func (t *loopTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (t *loopTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders[track.Kind()] = true
	return nil
}

func (t *loopTransport) ReplaceTrack(kind webrtc.RTPCodecType, _ webrtc.TrackLocal) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.senders[kind], nil
}

func (t *loopTransport) SenderKinds() []webrtc.RTPCodecType {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []webrtc.RTPCodecType
	for k := range t.senders {
		out = append(out, k)
	}
	return out
}

func (t *loopTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// recordingTransport remembers every connection it dials so a test can cut
// one.
type recordingTransport struct {
	signaling.Transport

	mu    sync.Mutex
	conns []signaling.Conn
}

func (r *recordingTransport) Dial(ctx context.Context) (signaling.Conn, error) {
	c, err := r.Transport.Dial(ctx)
	if err == nil {
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
	}
	return c, err
}

func (r *recordingTransport) dropLast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.conns); n > 0 {
		_ = r.conns[n-1].Close()
	}
}

type testClient struct {
	*Client
	rec     *ui.Recorder
	metrics *metrics.Metrics
}

func startClient(t *testing.T, cfg config.ClientConfig, opts Options) *testClient {
	t.Helper()
	if opts.Source == nil {
		opts.Source = &media.SyntheticSource{}
	}
	if opts.NewTransport == nil {
		opts.NewTransport = newLoopTransport
	}
	rec := &ui.Recorder{}
	cc := &appctx.ClientContext{
		Config:    cfg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     clock.Real{},
		Metrics:   metrics.New(),
		Presenter: rec,
	}
	c, err := New(cc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return &testClient{Client: c, rec: rec, metrics: cc.Metrics}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func loggedIn(c *testClient) func() bool {
	return func() bool { return c.Status().LoggedIn }
}

func TestClient_LoginPresenceAndCall(t *testing.T) {
	r := startRelay(t, time.Hour)
	admin := startClient(t, testConfig(r.url, "admin-code"), Options{})
	waitFor(t, "admin login", loggedIn(admin))
	alice := startClient(t, testConfig(r.url, "alice-code"), Options{})
	waitFor(t, "alice login", loggedIn(alice))

	aliceID := alice.Status().Self.UserID
	adminID := admin.Status().Self.UserID
	waitFor(t, "alice on the admin roster", func() bool {
		peers := admin.Peers()
		return len(peers) == 1 && peers[0].UserID == aliceID
	})
	waitFor(t, "admin visible to alice", func() bool {
		peers := alice.Peers()
		return len(peers) == 1 && peers[0].UserID == adminID && peers[0].IsAdmin
	})

	if got := admin.currentICEServers(); len(got) != 1 || got[0].URLs[0] != testSTUN.URLs[0] {
		t.Fatalf("ice servers=%+v, want the relay's", got)
	}

	target, err := alice.ResolvePeer("ADMIN")
	if err != nil || target != adminID {
		t.Fatalf("ResolvePeer=%q, %v; want %q", target, err, adminID)
	}
	alice.Call(target)
	waitFor(t, "admin ringing", func() bool { return admin.Status().Call.State == call.RingingIncoming })

	admin.Accept()
	waitFor(t, "both active", func() bool {
		return admin.Status().Call.State == call.Active && alice.Status().Call.State == call.Active
	})
	if snap := alice.Status().Call; !snap.IsInitiator || snap.PeerID != adminID {
		t.Fatalf("alice call=%+v", snap)
	}

	alice.Hangup()
	waitFor(t, "both idle", func() bool {
		return admin.Status().Call.State == call.Idle && alice.Status().Call.State == call.Idle
	})
	if got := r.metrics.Get(metrics.RelayRouted); got == 0 {
		t.Fatalf("relay routed nothing")
	}
}

func TestClient_LoginErrorShown(t *testing.T) {
	r := startRelay(t, time.Hour)
	c := startClient(t, testConfig(r.url, "wrong-code"), Options{})

	waitFor(t, "login error", func() bool { return c.rec.ErrorCount() > 0 })
	if got := c.rec.LastError(); !strings.Contains(got, "Login failed") {
		t.Fatalf("error=%q", got)
	}
	if c.Status().LoggedIn {
		t.Fatalf("logged in with a wrong code")
	}

	if err := c.Login("alice-code"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, "login after retry", loggedIn(c))
}

func TestClient_LoginArguments(t *testing.T) {
	r := startRelay(t, time.Hour)
	cfg := testConfig(r.url, "")
	cc := &appctx.ClientContext{
		Config:    cfg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   metrics.New(),
		Presenter: &ui.Recorder{},
	}
	c, err := New(cc, Options{Source: &media.SyntheticSource{}, NewTransport: newLoopTransport})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Login("alice-code"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Login before Start: %v, want ErrNotStarted", err)
	}
	c.Start(context.Background())
	defer c.Close()

	if err := c.Login("   "); !errors.Is(err, ErrEmptyAccessCode) {
		t.Fatalf("Login blank: %v, want ErrEmptyAccessCode", err)
	}
	if err := c.Login("alice-code"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, "login", func() bool { return c.Status().LoggedIn })
	if err := c.Login("alice-code"); !errors.Is(err, ErrAlreadyLoggedIn) {
		t.Fatalf("second Login: %v, want ErrAlreadyLoggedIn", err)
	}
	if _, err := c.ResolvePeer("nobody"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("ResolvePeer: %v, want ErrUnknownPeer", err)
	}
}

func TestClient_PingsFeedQuality(t *testing.T) {
	r := startRelay(t, time.Hour)
	c := startClient(t, testConfig(r.url, "alice-code"), Options{})
	waitFor(t, "login", loggedIn(c))

	waitFor(t, "quality samples", func() bool {
		q := c.Status().Quality
		return q.Samples >= 2 && q.Label != ""
	})
	if c.metrics.Get(metrics.SignalingPong) == 0 || c.metrics.Get(metrics.QualityChanged) == 0 {
		t.Fatalf("metrics=%v", c.metrics.Snapshot())
	}
}

func TestClient_ReconnectResumesIdentity(t *testing.T) {
	r := startRelay(t, time.Hour)
	cfg := testConfig(r.url, "alice-code")
	rt := &recordingTransport{Transport: &signaling.WebSocketTransport{URL: cfg.RelayURL}}
	c := startClient(t, cfg, Options{Transport: rt})
	waitFor(t, "login", loggedIn(c))
	before := c.Status().Self.UserID

	rt.dropLast()

	waitFor(t, "resumed login", func() bool { return c.metrics.Get(metrics.SignalingResumed) == 1 })
	waitFor(t, "logged in again", loggedIn(c))
	if after := c.Status().Self.UserID; after != before {
		t.Fatalf("user id after resume=%q, want %q", after, before)
	}
	if got := c.metrics.Get(metrics.SignalingLogin); got != 1 {
		t.Fatalf("fresh logins=%d, want 1", got)
	}
}

func TestClient_ExpiredTokenFallsBackToAccessCode(t *testing.T) {
	// Tokens are born expired, so the resume attempt is refused.
	r := startRelay(t, -time.Minute)
	cfg := testConfig(r.url, "alice-code")
	rt := &recordingTransport{Transport: &signaling.WebSocketTransport{URL: cfg.RelayURL}}
	c := startClient(t, cfg, Options{Transport: rt})
	waitFor(t, "login", loggedIn(c))
	before := c.Status().Self.UserID

	rt.dropLast()

	waitFor(t, "second fresh login", func() bool { return c.metrics.Get(metrics.SignalingLogin) == 2 })
	if got := c.metrics.Get(metrics.SignalingResumed); got != 0 {
		t.Fatalf("resumed=%d, want 0", got)
	}
	if after := c.Status().Self.UserID; after == before {
		t.Fatalf("user id %q kept without a valid token", after)
	}
	if got := r.metrics.Get(metrics.RelayLoginRejected); got != 1 {
		t.Fatalf("relay rejected %d logins, want 1", got)
	}
}

func TestClient_LogoutStopsReconnect(t *testing.T) {
	r := startRelay(t, time.Hour)
	c := startClient(t, testConfig(r.url, "alice-code"), Options{})
	waitFor(t, "login", loggedIn(c))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Logout(ctx)

	waitFor(t, "relay sees logout", func() bool { return r.hub.Online() == 0 })
	time.Sleep(100 * time.Millisecond)
	st := c.Status()
	if st.Signaling != signaling.StatusDisconnected || st.LoggedIn || st.Call.LoggedIn {
		t.Fatalf("status after logout=%+v", st)
	}
}

func TestICEURLFor(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://127.0.0.1:8080/signal", want: "http://127.0.0.1:8080/webrtc/ice"},
		{in: "wss://call.example/signal?x=1", want: "https://call.example/webrtc/ice"},
		{in: "wss://call.example/relay/signal/", want: "https://call.example/relay/webrtc/ice"},
		{in: "https://call.example", want: "https://call.example/webrtc/ice"},
		{in: "ftp://call.example/signal", wantErr: true},
	} {
		got, err := iceURLFor(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("iceURLFor(%q)=%q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("iceURLFor(%q)=%q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestClient_FetchesTURNCredentialsAfterLogin(t *testing.T) {
	r := startRelayWithTURN(t, time.Hour, config.TURNRESTConfig{
		URLs:           []string{"turn:turn.example.test:3478?transport=udp"},
		SharedSecret:   "turn-secret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
	})
	alice := startClient(t, testConfig(r.url, "alice-code"), Options{})
	waitFor(t, "alice login", loggedIn(alice))

	waitFor(t, "minted TURN server", func() bool {
		return len(alice.currentICEServers()) == 2
	})
	servers := alice.currentICEServers()
	turn := servers[1]
	if turn.URLs[0] != "turn:turn.example.test:3478?transport=udp" {
		t.Fatalf("turn urls=%v", turn.URLs)
	}
	username := alice.Status().Self.UserID
	if !strings.HasSuffix(turn.Username, ":aero:"+username) {
		t.Fatalf("turn username=%q, want it bound to %q", turn.Username, username)
	}
	if cred, _ := turn.Credential.(string); cred == "" {
		t.Fatalf("turn credential=%v, want a password", turn.Credential)
	}
}
