package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	wsWriteWait   = 1 * time.Second
	wsSendQueue   = 64
	wsCloseReason = 123 // max close-frame reason length
)

// WebSocketServer implements GET /signal: one JSON signaling message per
// text frame, fed into the Hub.
type WebSocketServer struct {
	cfg     config.RelayConfig
	hub     *Hub
	metrics *metrics.Metrics
	clock   clock.Clock
	origins origin.Policy
	log     *slog.Logger

	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.RelayConfig, hub *Hub, m *metrics.Metrics, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &WebSocketServer{
		cfg:     cfg,
		hub:     hub,
		metrics: m,
		clock:   clock.Real{},
		origins: origin.NewPolicy(cfg.AllowedOrigins),
		log:     logger,
	}
	srv.upgrader.CheckOrigin = func(r *http.Request) bool {
		return srv.origins.Allows(r.Header.Get("Origin"), r.Host)
	}
	return srv
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &wsPeer{
		conn: conn,
		send: make(chan []byte, wsSendQueue),
		done: make(chan struct{}),
	}
	go peer.writeLoop(s.cfg.WSPingInterval)
	defer peer.Close("")

	c := s.hub.Attach(peer, r.RemoteAddr)
	defer c.Detach()

	s.log.Info("signal_ws_connected", "remote_addr", r.RemoteAddr)
	defer s.log.Info("signal_ws_disconnected", "remote_addr", r.RemoteAddr)

	loginTimer := s.clock.AfterFunc(s.cfg.SignalingAuthTimeout, func() {
		if !c.LoggedIn() {
			s.metrics.Inc(metrics.RelayLoginRejected)
			_ = peer.Deliver(signaling.Message{Type: signaling.KindError, Message: "login timeout"})
			peer.Close("login timeout")
		}
	})
	defer loginTimer.Stop()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	idle := s.cfg.WSIdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.RelayBadMessage)
			} else if isTimeout(err) {
				s.log.Debug("signal_ws_idle", "remote_addr", r.RemoteAddr)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RelayRateLimited)
			_ = peer.Deliver(signaling.Message{Type: signaling.KindError, Message: "rate limited"})
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.RelayBadMessage)
			_ = peer.Deliver(signaling.Message{Type: signaling.KindError, Message: "expected text frame"})
			continue
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.RelayBadMessage)
			_ = peer.Deliver(signaling.Message{Type: signaling.KindError, Message: err.Error()})
			continue
		}
		c.Handle(msg)
	}
}

// wsPeer queues outbound frames for a single writer goroutine; gorilla
// connections support one concurrent writer.
type wsPeer struct {
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string
}

func (p *wsPeer) Deliver(msg signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		p.Close("send queue full")
		return ErrSlowConsumer
	}
}

func (p *wsPeer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.reasonMu.Lock()
		p.reason = reason
		p.reasonMu.Unlock()
		close(p.done)
	})
}

func (p *wsPeer) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.Close("")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.Close("")
				return
			}
		case <-p.done:
			p.flush()
			p.reasonMu.Lock()
			reason := p.reason
			p.reasonMu.Unlock()
			if len(reason) > wsCloseReason {
				reason = reason[:wsCloseReason]
			}
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// flush writes frames queued before Close, such as the error that explains it.
func (p *wsPeer) flush() {
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
