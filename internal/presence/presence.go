// Package presence tracks who is online: the full roster for the admin, and
// the admin's availability for everyone else.
package presence

import (
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// Tracker is safe for concurrent use. It never touches call state; an admin
// going offline only clears AdminID.
type Tracker struct {
	mu       sync.Mutex
	self     signaling.PeerIdentity
	loggedIn bool

	adminID   string
	adminName string
	roster    map[string]signaling.PeerIdentity
}

func NewTracker() *Tracker {
	return &Tracker{roster: make(map[string]signaling.PeerIdentity)}
}

// Apply folds one presence-related message into the tracker and reports
// whether anything visible changed. Other kinds are ignored.
func (t *Tracker) Apply(msg signaling.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg.Type {
	case signaling.KindLoginSuccess:
		t.self = signaling.PeerIdentity{UserID: msg.UserID, Username: msg.Username, IsAdmin: msg.IsAdmin}
		t.loggedIn = true
		t.roster = make(map[string]signaling.PeerIdentity)
		t.adminID, t.adminName = "", ""
		if !msg.IsAdmin && msg.AdminSocketID != "" {
			t.adminID = msg.AdminSocketID
			t.adminName = msg.AdminUsername
		}
		return true

	case signaling.KindUserList:
		next := make(map[string]signaling.PeerIdentity, len(msg.Users))
		for _, u := range msg.Users {
			if u.UserID == t.self.UserID {
				continue
			}
			next[u.UserID] = u
		}
		t.roster = next
		return true

	case signaling.KindUserConnected:
		if msg.User == nil || msg.User.UserID == t.self.UserID {
			return false
		}
		if prev, ok := t.roster[msg.User.UserID]; ok && prev == *msg.User {
			return false
		}
		t.roster[msg.User.UserID] = *msg.User
		return true

	case signaling.KindUserDisconnected:
		if _, ok := t.roster[msg.UserID]; !ok {
			return false
		}
		delete(t.roster, msg.UserID)
		return true

	case signaling.KindAdminOnline:
		if t.adminID == msg.AdminSocketID && t.adminName == msg.AdminUsername {
			return false
		}
		t.adminID = msg.AdminSocketID
		t.adminName = msg.AdminUsername
		return true

	case signaling.KindAdminOffline:
		if t.adminID == "" {
			return false
		}
		t.adminID, t.adminName = "", ""
		return true

	default:
		return false
	}
}

// Self returns the identity assigned at login.
func (t *Tracker) Self() (signaling.PeerIdentity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self, t.loggedIn
}

func (t *Tracker) IsAdminOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminID != ""
}

// AdminID returns the admin's connection id, or "" when offline.
func (t *Tracker) AdminID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminID
}

func (t *Tracker) AdminName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminName
}

// Roster returns known peers sorted by username, then id.
func (t *Tracker) Roster() []signaling.PeerIdentity {
	t.mu.Lock()
	out := make([]signaling.PeerIdentity, 0, len(t.roster))
	for _, u := range t.roster {
		out = append(out, u)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Lookup returns the display name for peerID if it is known.
func (t *Tracker) Lookup(peerID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerID != "" && peerID == t.adminID {
		return t.adminName, true
	}
	u, ok := t.roster[peerID]
	return u.Username, ok
}

// Reachable reports whether a call to or from peerID is allowed: users may
// only talk to the online admin, the admin to anyone on the roster.
func (t *Tracker) Reachable(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loggedIn || peerID == "" || peerID == t.self.UserID {
		return false
	}
	if t.self.IsAdmin {
		_, ok := t.roster[peerID]
		return ok
	}
	return peerID == t.adminID
}

// Reset forgets everything; used on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = signaling.PeerIdentity{}
	t.loggedIn = false
	t.adminID, t.adminName = "", ""
	t.roster = make(map[string]signaling.PeerIdentity)
}
