// Package client wires one call participant together: the signaling channel,
// presence, the call machine, media and connection-quality probing.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/appctx"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

var (
	ErrEmptyAccessCode = errors.New("access code is empty")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrNotStarted      = errors.New("client not started")
	ErrUnknownPeer     = errors.New("unknown peer")
)

const (
	iceFetchTimeout = 5 * time.Second
	signOutTimeout  = 2 * time.Second
)

// Options override pieces normally built from the config.
type Options struct {
	// Transport replaces the websocket or mailbox transport chosen by
	// Config.Transport.
	Transport signaling.Transport
	// Source replaces the capture source chosen by Config.MediaSource.
	Source media.Source
	// NewTransport replaces the pion-backed peer transport.
	NewTransport call.TransportFactory
	HTTPClient   *http.Client
}

// Status is a point-in-time view for the status command.
type Status struct {
	Signaling   signaling.Status
	Self        signaling.PeerIdentity
	LoggedIn    bool
	AdminOnline bool
	AdminName   string
	Call        call.Snapshot
	Quality     quality.Stats
}

type Client struct {
	cc      *appctx.ClientContext
	cfg     config.ClientConfig
	log     *slog.Logger
	clock   clock.Clock
	channel signaling.Channel
	tracker *presence.Tracker
	machine *call.Machine
	monitor *quality.Monitor
	policy  *media.Policy
	httpc   *http.Client
	// iceURL is empty when ICE servers come from config or the transport
	// has no HTTP side.
	iceURL  string
	closers []func() error

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	accessCode string
	token      string
	wantLogin  bool
	usedToken  bool
	iceServers []webrtc.ICEServer
	pingTimer  clock.Timer

	wg sync.WaitGroup
}

func New(cc *appctx.ClientContext, opts Options) (*Client, error) {
	cfg := cc.Config
	logger := cc.Logger.With("component", "client")
	clk := cc.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	policy, err := media.NewPolicy(cfg.MaxResolution)
	if err != nil {
		return nil, err
	}
	if cfg.PresetsFile != "" {
		if err := policy.LoadPresetsFile(cfg.PresetsFile); err != nil {
			return nil, err
		}
	}

	c := &Client{
		cc:         cc,
		cfg:        cfg,
		log:        logger,
		clock:      clk,
		tracker:    presence.NewTracker(),
		monitor:    quality.NewMonitor(cfg.QualityWindow),
		policy:     policy,
		httpc:      opts.HTTPClient,
		iceServers: cfg.ICEServers,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: iceFetchTimeout}
	}

	source := opts.Source
	if source == nil {
		if source, err = newSource(cfg.MediaSource, cc.Logger); err != nil {
			return nil, err
		}
	}

	transport := opts.Transport
	if transport == nil {
		if transport, err = c.newSignalingTransport(); err != nil {
			return nil, err
		}
	}
	if len(cfg.ICEServers) == 0 && transport.Name() == "websocket" && cfg.RelayURL != "" {
		if c.iceURL, err = iceURLFor(cfg.RelayURL); err != nil {
			return nil, err
		}
	}

	newTransport := opts.NewTransport
	if newTransport == nil {
		api, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{
			Network:        cfg.Network,
			RegisterCodecs: source.RegisterCodecs,
			Logger:         cc.Logger.With("component", "pion"),
		})
		if err != nil {
			return nil, err
		}
		peerLog := cc.Logger.With("component", "peer")
		newTransport = func(h webrtcpeer.Handlers) (call.PeerTransport, error) {
			t, err := webrtcpeer.NewTransport(api, c.currentICEServers(), h, peerLog)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	c.channel = signaling.NewChannel(transport, signaling.ChannelOptions{
		Backoff: signaling.Backoff{
			Initial:     cfg.Reconnect.InitialDelay,
			Factor:      cfg.Reconnect.Factor,
			Max:         cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Clock:  clk,
		Logger: cc.Logger,
	})

	c.machine, err = call.NewMachine(cc, call.Deps{
		Signaler:     c.channel,
		Directory:    c.tracker,
		Source:       source,
		Policy:       policy,
		NewTransport: newTransport,
	})
	if err != nil {
		return nil, err
	}

	c.channel.OnMessage(c.handleMessage)
	c.channel.OnStatus(c.handleStatus)
	return c, nil
}

func newSource(kind config.MediaSourceKind, logger *slog.Logger) (media.Source, error) {
	switch kind {
	case config.MediaSourceDevices:
		return media.NewDeviceSource(logger.With("component", "media"))
	case config.MediaSourceSynthetic, "":
		return &media.SyntheticSource{}, nil
	default:
		return nil, fmt.Errorf("unsupported media source %q", kind)
	}
}

func (c *Client) newSignalingTransport() (signaling.Transport, error) {
	switch c.cfg.Transport {
	case config.TransportMailbox:
		store := mailbox.NewRedisStore(c.cfg.Redis)
		c.closers = append(c.closers, store.Close)
		return &signaling.MailboxTransport{Store: store, PollInterval: c.cfg.MailboxPollInterval}, nil
	case config.TransportWebSocket, "":
		return &signaling.WebSocketTransport{URL: c.cfg.RelayURL}, nil
	default:
		return nil, fmt.Errorf("unsupported signaling transport %q", c.cfg.Transport)
	}
}

// Start launches the call loop and background probes. It logs in right away
// when the config carries an access code.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.machine.Run(ctx)
	}()

	if c.cfg.PresetsFile != "" {
		if err := c.policy.Watch(ctx, c.cfg.PresetsFile, c.log); err != nil {
			c.log.Warn("presets file not watched", "path", c.cfg.PresetsFile, "err", err)
		}
	}

	if c.iceURL != "" {
		c.refreshICEServers(ctx, "")
	}

	c.schedulePing()

	if c.cfg.AccessCode != "" {
		if err := c.Login(c.cfg.AccessCode); err != nil {
			c.cc.Presenter.ShowError(err.Error())
		}
	}
}

// Close logs out, stops the call loop and waits for it to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		if _, loggedIn := c.tracker.Self(); loggedIn {
			ctx, done := context.WithTimeout(context.Background(), signOutTimeout)
			c.Logout(ctx)
			done()
		}
		cancel()
	}

	// schedulePing sees the cancelled context, so no new timer can appear.
	c.mu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	c.mu.Unlock()
	c.channel.Disconnect()
	c.wg.Wait()

	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Login connects if needed and authenticates with code. A resume token from
// an earlier login is discarded.
func (c *Client) Login(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyAccessCode
	}
	if _, loggedIn := c.tracker.Self(); loggedIn {
		return ErrAlreadyLoggedIn
	}

	c.mu.Lock()
	ctx := c.ctx
	if ctx == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.accessCode = code
	c.token = ""
	c.wantLogin = true
	c.mu.Unlock()

	if c.channel.Status() == signaling.StatusConnected {
		return c.sendLogin()
	}
	c.cc.Presenter.ShowStatus("Connecting to the relay")
	c.channel.Connect(ctx)
	return nil
}

func (c *Client) sendLogin() error {
	c.mu.Lock()
	msg := signaling.Message{Type: signaling.KindLogin, AccessCode: c.accessCode, Token: c.token}
	c.usedToken = c.token != ""
	c.mu.Unlock()

	if msg.Token != "" {
		// The token alone identifies us; keep the code out of the frame.
		msg.AccessCode = ""
	}
	return c.channel.Send(msg)
}

// Logout ends any call, tells the relay and closes the channel without
// reconnecting.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	c.wantLogin = false
	c.accessCode, c.token = "", ""
	c.mu.Unlock()

	if err := c.machine.SignOut(ctx); err != nil && !errors.Is(err, call.ErrStopped) {
		c.log.Warn("sign out did not complete", "err", err)
	}
	if c.channel.Status() == signaling.StatusConnected {
		_ = c.channel.Send(signaling.Message{Type: signaling.KindLogout})
	}
	c.channel.Disconnect()

	c.tracker.Reset()
	c.monitor.Reset()
	c.cc.Presenter.UpdateUsersList(nil)
	c.cc.Presenter.ShowStatus("Logged out")
}

func (c *Client) handleStatus(ev signaling.StatusEvent) {
	if errors.Is(ev.Err, signaling.ErrNotConnected) {
		c.cc.Presenter.ShowError("Not connected to the relay")
		return
	}

	switch ev.Status {
	case signaling.StatusConnecting:
		if ev.Attempt > 0 {
			c.cc.Presenter.ShowStatus(fmt.Sprintf("Reconnecting (attempt %d)", ev.Attempt))
		}
	case signaling.StatusConnected:
		c.monitor.Reset()
		c.cc.Presenter.ShowStatus("Connected to the relay")
		c.mu.Lock()
		want := c.wantLogin
		c.mu.Unlock()
		if want {
			if err := c.sendLogin(); err != nil {
				c.log.Warn("login send failed", "err", err)
			}
		}
	case signaling.StatusDisconnected:
		if ev.RetryIn > 0 {
			c.cc.Presenter.ShowStatus(fmt.Sprintf("Connection to the relay lost; retrying in %s", ev.RetryIn.Round(time.Millisecond)))
		}
	case signaling.StatusFailed:
		c.cc.Presenter.ShowError(fmt.Sprintf("Could not reach the relay: %v", ev.Err))
		c.mu.Lock()
		c.wantLogin = false
		c.mu.Unlock()
		c.tracker.Reset()
		c.monitor.Reset()
		c.machine.ClearIdentity()
		c.cc.Presenter.UpdateUsersList(nil)
	}
}

// handleMessage runs on the channel's read goroutine, so presence is updated
// before the machine sees the message that depends on it.
func (c *Client) handleMessage(msg signaling.Message) {
	changed := c.tracker.Apply(msg)

	switch msg.Type {
	case signaling.KindLoginSuccess:
		c.onLoginSuccess(msg)
	case signaling.KindLoginError:
		c.onLoginError(msg)
	case signaling.KindAdminOnline:
		if changed {
			c.cc.Presenter.ShowStatus(fmt.Sprintf("%s is online", displayName(msg.AdminUsername, "The admin")))
		}
	case signaling.KindAdminOffline:
		if changed {
			c.cc.Presenter.ShowStatus("The admin went offline")
		}
	case signaling.KindUserList, signaling.KindUserConnected, signaling.KindUserDisconnected:
	case signaling.KindPong:
		c.onPong(msg)
	case signaling.KindError:
		if msg.Target == "" {
			c.cc.Presenter.ShowError(msg.Message)
		}
		c.machine.HandleSignal(msg)
	default:
		c.machine.HandleSignal(msg)
	}

	if changed {
		c.cc.Presenter.UpdateUsersList(c.Peers())
	}
}

func (c *Client) onLoginSuccess(msg signaling.Message) {
	c.mu.Lock()
	resumed := c.usedToken
	c.token = msg.Token
	c.usedToken = false
	c.mu.Unlock()

	self, _ := c.tracker.Self()
	c.machine.SetIdentity(self)
	if resumed {
		c.cc.Metrics.Inc(metrics.SignalingResumed)
	} else {
		c.cc.Metrics.Inc(metrics.SignalingLogin)
	}
	c.log.Info("logged in", "user_id", self.UserID, "username", self.Username, "admin", self.IsAdmin, "resumed", resumed)

	// The relay only mints TURN credentials for a signed-in caller.
	if c.iceURL != "" && msg.Token != "" {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if ctx != nil && ctx.Err() == nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.refreshICEServers(ctx, msg.Token)
			}()
		}
	}

	role := ""
	if self.IsAdmin {
		role = " (admin)"
	}
	c.cc.Presenter.ShowStatus(fmt.Sprintf("Logged in as %s%s", self.Username, role))
	if !self.IsAdmin {
		if c.tracker.IsAdminOnline() {
			c.cc.Presenter.ShowStatus(fmt.Sprintf("%s is online", displayName(c.tracker.AdminName(), "The admin")))
		} else {
			c.cc.Presenter.ShowStatus("Waiting for the admin to come online")
		}
	}
}

func (c *Client) onLoginError(msg signaling.Message) {
	c.mu.Lock()
	retry := c.usedToken && c.accessCode != ""
	c.token = ""
	c.usedToken = false
	if !retry {
		c.wantLogin = false
	}
	c.mu.Unlock()

	if retry {
		c.log.Info("resume token rejected; logging in with the access code", "reason", msg.Message)
		if err := c.sendLogin(); err != nil {
			c.log.Warn("login send failed", "err", err)
		}
		return
	}
	c.cc.Presenter.ShowError(fmt.Sprintf("Login failed: %s", msg.Message))
}

func (c *Client) currentICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceServers
}

// Peers is what the users command shows: the roster for the admin, the
// admin for everyone else.
func (c *Client) Peers() []signaling.PeerIdentity {
	self, ok := c.tracker.Self()
	if !ok {
		return nil
	}
	if self.IsAdmin {
		return c.tracker.Roster()
	}
	if !c.tracker.IsAdminOnline() {
		return nil
	}
	return []signaling.PeerIdentity{{UserID: c.tracker.AdminID(), Username: c.tracker.AdminName(), IsAdmin: true}}
}

// ResolvePeer accepts a user id or a username.
func (c *Client) ResolvePeer(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if _, ok := c.tracker.Lookup(ref); ok {
		return ref, nil
	}
	for _, p := range c.Peers() {
		if strings.EqualFold(p.Username, ref) {
			return p.UserID, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPeer, ref)
}

func (c *Client) Call(peerID string)         { c.machine.Call(peerID) }
func (c *Client) Accept()                    { c.machine.Accept() }
func (c *Client) Reject()                    { c.machine.Reject() }
func (c *Client) Hangup()                    { c.machine.Hangup() }
func (c *Client) SetResolution(label string) { c.machine.SetResolution(label) }
func (c *Client) Renegotiate()               { c.machine.Renegotiate() }
func (c *Client) StartPreview()              { c.machine.StartPreview() }

// Resolutions lists the labels SetResolution accepts.
func (c *Client) Resolutions() []string { return c.policy.Labels() }

func (c *Client) Status() Status {
	self, loggedIn := c.tracker.Self()
	return Status{
		Signaling:   c.channel.Status(),
		Self:        self,
		LoggedIn:    loggedIn,
		AdminOnline: c.tracker.IsAdminOnline(),
		AdminName:   c.tracker.AdminName(),
		Call:        c.machine.Snapshot(),
		Quality:     c.monitor.Stats(),
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
