package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// Peer is the outbound half of one client connection. Deliver must not block
// for long; Close must make the connection's read side stop soon after.
type Peer interface {
	Deliver(msg signaling.Message) error
	Close(reason string)
}

type Hub struct {
	codes   *auth.AccessCodes
	tokens  *auth.TokenIssuer
	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() string

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	byUser map[string]*Conn
	admin  *Conn

	// sendMu is taken before mu is released, so deliveries reach each
	// connection in the order the state behind them changed.
	sendMu sync.Mutex
}

func NewHub(codes *auth.AccessCodes, tokens *auth.TokenIssuer, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		codes:   codes,
		tokens:  tokens,
		metrics: m,
		log:     logger,
		newID:   uuid.NewString,
		conns:   make(map[*Conn]struct{}),
		byUser:  make(map[string]*Conn),
	}
}

// Conn is one attached client. Handle must be called from a single
// goroutine per connection.
type Conn struct {
	hub    *Hub
	peer   Peer
	remote string

	// Guarded by hub.mu.
	identity auth.Identity
	loggedIn bool
}

// delivery is a message queued while hub.mu was held and sent by
// unlockAndFlush.
type delivery struct {
	to  *Conn
	msg signaling.Message
}

func (h *Hub) Attach(peer Peer, remote string) *Conn {
	c := &Conn{hub: h, peer: peer, remote: remote}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Online counts logged-in participants.
func (h *Hub) Online() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser)
}

// Connections counts attached connections, logged in or not.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (c *Conn) LoggedIn() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.loggedIn
}

func (c *Conn) Identity() auth.Identity {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.identity
}

// Detach removes the connection, announcing the departure if it was the
// current holder of its user id.
func (c *Conn) Detach() {
	h := c.hub
	h.mu.Lock()
	delete(h.conns, c)
	h.unlockAndFlush(h.logoutLocked(c))
}

func (c *Conn) send(msg signaling.Message) {
	c.hub.sendMu.Lock()
	defer c.hub.sendMu.Unlock()
	c.hub.flush([]delivery{{to: c, msg: msg}})
}

func (c *Conn) sendError(format string, args ...any) {
	c.send(signaling.Message{Type: signaling.KindError, Message: fmt.Sprintf(format, args...)})
}

// Handle processes one inbound frame from the connection.
func (c *Conn) Handle(msg signaling.Message) {
	h := c.hub
	switch msg.Type {
	case signaling.KindPing:
		c.send(signaling.Message{Type: signaling.KindPong, Timestamp: msg.Timestamp})
	case signaling.KindLogin:
		h.login(c, msg)
	case signaling.KindLogout:
		h.mu.Lock()
		h.unlockAndFlush(h.logoutLocked(c))
	case signaling.KindCallInitiate, signaling.KindCallAccept, signaling.KindCallReject, signaling.KindCallEnd,
		signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate:
		h.route(c, msg)
	default:
		h.metrics.Inc(metrics.RelayBadMessage)
		c.sendError("unexpected message type %q", msg.Type)
	}
}

func (h *Hub) login(c *Conn, msg signaling.Message) {
	id, err := h.authenticate(msg)
	if err != nil {
		h.metrics.Inc(metrics.RelayLoginRejected)
		h.log.Info("login rejected", "remote", c.remote, "err", err)
		reason := "invalid access code"
		if msg.Token != "" && msg.AccessCode == "" {
			reason = "session expired; log in again"
		}
		c.send(signaling.Message{Type: signaling.KindLoginError, Message: reason})
		return
	}

	token, err := h.tokens.Issue(id)
	if err != nil {
		h.log.Error("issue resume token", "err", err)
		c.send(signaling.Message{Type: signaling.KindLoginError, Message: "internal error"})
		return
	}

	h.mu.Lock()
	if c.loggedIn {
		h.mu.Unlock()
		c.sendError("already logged in")
		return
	}
	var replaced []*Conn
	if prev := h.byUser[id.UserID]; prev != nil {
		replaced = append(replaced, prev)
	}
	if id.Admin && h.admin != nil && h.admin.identity.UserID != id.UserID {
		replaced = append(replaced, h.admin)
	}
	var out []delivery
	for _, prev := range replaced {
		// The displaced connection leaves quietly when the same user id
		// comes straight back.
		if prev.identity.UserID == id.UserID {
			prev.loggedIn = false
			delete(h.byUser, id.UserID)
			if h.admin == prev {
				h.admin = nil
			}
		} else {
			out = append(out, h.logoutLocked(prev)...)
		}
	}

	c.identity = id
	c.loggedIn = true
	h.byUser[id.UserID] = c

	success := signaling.Message{
		Type:     signaling.KindLoginSuccess,
		UserID:   id.UserID,
		Username: id.Name,
		IsAdmin:  id.Admin,
		Token:    token,
	}
	if id.Admin {
		h.admin = c
		out = append(out, delivery{to: c, msg: success})
		out = append(out, delivery{to: c, msg: signaling.Message{Type: signaling.KindUserList, Users: h.rosterLocked()}})
		for _, u := range h.byUser {
			if u != c {
				out = append(out, delivery{to: u, msg: h.adminOnlineLocked()})
			}
		}
	} else {
		if h.admin != nil {
			success.AdminSocketID = h.admin.identity.UserID
			success.AdminUsername = h.admin.identity.Name
		}
		// The admin hears about the user before the user can call it.
		if h.admin != nil {
			self := peerIdentity(id)
			out = append(out, delivery{to: h.admin, msg: signaling.Message{Type: signaling.KindUserConnected, User: &self}})
		}
		out = append(out, delivery{to: c, msg: success})
	}
	for _, prev := range replaced {
		out = append(out, delivery{to: prev, msg: signaling.Message{Type: signaling.KindError, Message: "logged in from another connection"}})
	}
	online := len(h.byUser)
	h.unlockAndFlush(out)

	for _, prev := range replaced {
		prev.peer.Close("replaced by a new login")
	}
	h.metrics.Inc(metrics.RelayLogin)
	h.log.Info("login", "user_id", id.UserID, "name", id.Name, "admin", id.Admin, "resumed", msg.Token != "" && msg.AccessCode == "", "online", online)
}

// authenticate prefers a resume token so a reconnecting client keeps its
// user id; it falls back to the access code.
func (h *Hub) authenticate(msg signaling.Message) (auth.Identity, error) {
	if msg.Token != "" {
		id, err := h.tokens.Verify(msg.Token)
		if err == nil {
			return id, nil
		}
		if msg.AccessCode == "" {
			return auth.Identity{}, err
		}
	}
	grant, err := h.codes.Check(msg.AccessCode)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: h.newID(), Name: grant.Name, Admin: grant.Admin}, nil
}

// logoutLocked unregisters c and returns the departure notices to send.
func (h *Hub) logoutLocked(c *Conn) []delivery {
	if !c.loggedIn {
		return nil
	}
	c.loggedIn = false
	id := c.identity
	if h.byUser[id.UserID] != c {
		return nil
	}
	delete(h.byUser, id.UserID)
	h.log.Info("logout", "user_id", id.UserID, "admin", id.Admin)

	var out []delivery
	if h.admin == c {
		h.admin = nil
		for _, u := range h.byUser {
			out = append(out, delivery{to: u, msg: signaling.Message{Type: signaling.KindAdminOffline}})
		}
		return out
	}
	if h.admin != nil {
		out = append(out, delivery{to: h.admin, msg: signaling.Message{Type: signaling.KindUserDisconnected, UserID: id.UserID}})
	}
	return out
}

var errNotAllowed = errors.New("not allowed")

// route forwards a call or negotiation message to its target, stamping the
// sender and rewriting call-* requests into their delivered forms.
func (h *Hub) route(c *Conn, msg signaling.Message) {
	target := msg.RouteTarget()

	h.mu.Lock()
	if !c.loggedIn {
		h.mu.Unlock()
		c.sendError("not logged in")
		return
	}
	from := c.identity
	to := h.byUser[target]

	var d delivery
	switch {
	case to == nil:
		h.metrics.Inc(metrics.RelayTargetOffline)
		d = delivery{to: c, msg: signaling.Message{Type: signaling.KindError, Target: target, Message: fmt.Sprintf("user %s is not online", target)}}
	case from.Admin == to.identity.Admin:
		h.metrics.Inc(metrics.RelayBadMessage)
		d = delivery{to: c, msg: signaling.Message{Type: signaling.KindError, Target: target, Message: fmt.Sprintf("%v: calls are only between the admin and users", errNotAllowed)}}
	default:
		h.metrics.Inc(metrics.RelayRouted)
		d = delivery{to: to, msg: forwarded(from, msg)}
	}
	h.unlockAndFlush([]delivery{d})
}

func forwarded(from auth.Identity, msg signaling.Message) signaling.Message {
	switch msg.Type {
	case signaling.KindCallInitiate:
		return signaling.Message{Type: signaling.KindCallInitiated, From: from.UserID, CallerSocketID: from.UserID, CallerName: from.Name}
	case signaling.KindCallAccept:
		return signaling.Message{Type: signaling.KindCallAccepted, From: from.UserID, CalleeName: from.Name}
	case signaling.KindCallReject:
		return signaling.Message{Type: signaling.KindCallRejected, From: from.UserID, RejecterName: from.Name, Reason: msg.Reason}
	case signaling.KindCallEnd:
		return signaling.Message{Type: signaling.KindCallEnded, From: from.UserID, EndedByName: from.Name}
	default:
		out := msg
		out.From = from.UserID
		out.AccessCode = ""
		out.Token = ""
		return out
	}
}

func (h *Hub) rosterLocked() []signaling.PeerIdentity {
	users := make([]signaling.PeerIdentity, 0, len(h.byUser))
	for _, u := range h.byUser {
		if u.identity.Admin {
			continue
		}
		users = append(users, peerIdentity(u.identity))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

func (h *Hub) adminOnlineLocked() signaling.Message {
	return signaling.Message{Type: signaling.KindAdminOnline, AdminSocketID: h.admin.identity.UserID, AdminUsername: h.admin.identity.Name}
}

func peerIdentity(id auth.Identity) signaling.PeerIdentity {
	return signaling.PeerIdentity{UserID: id.UserID, Username: id.Name, IsAdmin: id.Admin}
}

// unlockAndFlush releases h.mu, which the caller holds, and sends out.
func (h *Hub) unlockAndFlush(out []delivery) {
	h.sendMu.Lock()
	h.mu.Unlock()
	defer h.sendMu.Unlock()
	h.flush(out)
}

func (h *Hub) flush(out []delivery) {
	for _, d := range out {
		if err := d.to.peer.Deliver(d.msg); err != nil {
			h.log.Debug("deliver failed", "type", d.msg.Type, "remote", d.to.remote, "err", err)
		}
	}
}
