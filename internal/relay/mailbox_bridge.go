package relay

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	mailboxInboxBatch   = 256
	mailboxPushTimeout  = 5 * time.Second
	mailboxMaxMsgPerSec = 50
)

type MailboxBridgeConfig struct {
	PollInterval time.Duration
	IdleTimeout  time.Duration
	// MaxMessagesPerSecond bounds each mailbox connection like a WebSocket.
	MaxMessagesPerSecond int
	MaxMessageBytes      int64
}

// MailboxBridge serves clients that poll the document store instead of
// holding a WebSocket. Everything is driven from the Run goroutine.
type MailboxBridge struct {
	store   mailbox.Store
	hub     *Hub
	cfg     MailboxBridgeConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *slog.Logger

	clients map[string]*mailboxClient
}

type mailboxClient struct {
	conn     *Conn
	peer     *mailboxPeer
	limiter  *ratelimit.TokenBucket
	lastSeen time.Time
}

func NewMailboxBridge(store mailbox.Store, hub *Hub, cfg MailboxBridgeConfig, m *metrics.Metrics, logger *slog.Logger) *MailboxBridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = mailboxMaxMsgPerSec
	}
	return &MailboxBridge{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		clock:   clock.Real{},
		metrics: m,
		log:     logger,
		clients: make(map[string]*mailboxClient),
	}
}

// Run polls the relay inbox until ctx is done, then closes every mailbox
// client.
func (b *MailboxBridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("mailbox poll failed", "err", err)
		}
	}
}

// Poll drains one batch from the inbox and expires idle clients.
func (b *MailboxBridge) Poll(ctx context.Context) error {
	raws, err := b.store.Pop(ctx, mailbox.InboxKey, mailboxInboxBatch)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	for _, raw := range raws {
		env, err := mailbox.DecodeEnvelope(raw)
		if err != nil {
			b.metrics.Inc(metrics.RelayBadMessage)
			b.log.Debug("bad mailbox envelope", "err", err)
			continue
		}
		b.handle(env, now)
	}
	b.sweep(now)
	return nil
}

func (b *MailboxBridge) handle(env mailbox.Envelope, now time.Time) {
	client := b.clients[env.Conn]
	switch env.Op {
	case mailbox.OpOpen:
		if client != nil {
			return
		}
		peer := &mailboxPeer{id: env.Conn, store: b.store}
		b.clients[env.Conn] = &mailboxClient{
			conn:     b.hub.Attach(peer, "mailbox:"+env.Conn),
			peer:     peer,
			limiter:  ratelimit.NewTokenBucket(b.clock, int64(b.cfg.MaxMessagesPerSecond), int64(b.cfg.MaxMessagesPerSecond)),
			lastSeen: now,
		}
		b.metrics.Inc(metrics.RelayMailboxConnect)
		b.log.Info("signal_mailbox_connected", "conn", env.Conn)
	case mailbox.OpClose:
		if client != nil {
			b.drop(env.Conn, client, false)
		}
	case mailbox.OpData:
		if client == nil {
			// Unknown or expired connection; tell it to reconnect.
			peer := &mailboxPeer{id: env.Conn, store: b.store}
			peer.Close("unknown connection")
			return
		}
		client.lastSeen = now
		if b.cfg.MaxMessageBytes > 0 && int64(len(env.Data)) > b.cfg.MaxMessageBytes {
			b.metrics.Inc(metrics.RelayBadMessage)
			_ = client.peer.Deliver(signaling.Message{Type: signaling.KindError, Message: "message too large"})
			return
		}
		if !client.limiter.Allow(1) {
			b.metrics.Inc(metrics.RelayRateLimited)
			_ = client.peer.Deliver(signaling.Message{Type: signaling.KindError, Message: "rate limited"})
			return
		}
		msg, err := signaling.Parse(env.Data)
		if err != nil {
			b.metrics.Inc(metrics.RelayBadMessage)
			_ = client.peer.Deliver(signaling.Message{Type: signaling.KindError, Message: err.Error()})
			return
		}
		client.conn.Handle(msg)
	}
}

// sweep drops clients that went quiet or that the hub closed.
func (b *MailboxBridge) sweep(now time.Time) {
	for id, client := range b.clients {
		switch {
		case client.peer.closed.Load():
			b.drop(id, client, false)
		case now.Sub(client.lastSeen) > b.cfg.IdleTimeout:
			b.log.Debug("mailbox client idle", "conn", id)
			b.drop(id, client, true)
		}
	}
}

func (b *MailboxBridge) drop(id string, client *mailboxClient, notify bool) {
	delete(b.clients, id)
	client.conn.Detach()
	if notify {
		client.peer.Close("idle timeout")
	}
	b.log.Info("signal_mailbox_disconnected", "conn", id)
}

func (b *MailboxBridge) closeAll() {
	for id, client := range b.clients {
		b.drop(id, client, true)
	}
}

// Clients counts live mailbox connections. It must be called from the Run
// goroutine or after Run returns.
func (b *MailboxBridge) Clients() int { return len(b.clients) }

type mailboxPeer struct {
	id     string
	store  mailbox.Store
	closed atomic.Bool
}

func (p *mailboxPeer) Deliver(msg signaling.Message) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	raw, err := mailbox.Envelope{Conn: p.id, Op: mailbox.OpData, Data: data}.Encode()
	if err != nil {
		return err
	}
	return p.push(raw)
}

// Close tells the client its connection is gone. The bridge notices on its
// next sweep.
func (p *mailboxPeer) Close(reason string) {
	if p.closed.Swap(true) {
		return
	}
	raw, err := mailbox.Envelope{Conn: p.id, Op: mailbox.OpClose}.Encode()
	if err != nil {
		return
	}
	_ = p.push(raw)
}

func (p *mailboxPeer) push(raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), mailboxPushTimeout)
	defer cancel()
	return p.store.Push(ctx, mailbox.ClientKey(p.id), raw)
}
