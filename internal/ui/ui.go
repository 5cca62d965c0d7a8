// Package ui renders client state. The call machine only depends on the
// Presenter interface.
package ui

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type CallControls struct {
	CanCall   bool
	CanAccept bool
	CanReject bool
	CanHangup bool
}

type Presenter interface {
	ShowStatus(msg string)
	ShowError(msg string)
	UpdateUsersList(users []signaling.PeerIdentity)
	UpdateCallButtons(c CallControls)
}

// Console writes one line per update.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	log *slog.Logger
}

func NewConsole(w io.Writer, logger *slog.Logger) *Console {
	return &Console{w: w, log: logger.With("component", "ui")}
}

func (c *Console) ShowStatus(msg string) {
	c.log.Debug("status", "msg", msg)
	c.printf("* %s\n", msg)
}

func (c *Console) ShowError(msg string) {
	c.log.Debug("error shown", "msg", msg)
	c.printf("! %s\n", msg)
}

func (c *Console) UpdateUsersList(users []signaling.PeerIdentity) {
	if len(users) == 0 {
		c.printf("  (nobody online)\n")
		return
	}
	var b strings.Builder
	for _, u := range users {
		role := ""
		if u.IsAdmin {
			role = " [admin]"
		}
		fmt.Fprintf(&b, "  %-20s %s%s\n", u.Username, u.UserID, role)
	}
	c.printf("%s", b.String())
}

func (c *Console) UpdateCallButtons(cc CallControls) {
	var actions []string
	if cc.CanCall {
		actions = append(actions, "call")
	}
	if cc.CanAccept {
		actions = append(actions, "accept")
	}
	if cc.CanReject {
		actions = append(actions, "reject")
	}
	if cc.CanHangup {
		actions = append(actions, "hangup")
	}
	if len(actions) == 0 {
		actions = append(actions, "none")
	}
	c.printf("  actions: %s\n", strings.Join(actions, ", "))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

// Recorder keeps every update in memory.
type Recorder struct {
	mu       sync.Mutex
	Statuses []string
	Errors   []string
	Users    [][]signaling.PeerIdentity
	Controls []CallControls
}

func (r *Recorder) ShowStatus(msg string) {
	r.mu.Lock()
	r.Statuses = append(r.Statuses, msg)
	r.mu.Unlock()
}

func (r *Recorder) ShowError(msg string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, msg)
	r.mu.Unlock()
}

func (r *Recorder) UpdateUsersList(users []signaling.PeerIdentity) {
	r.mu.Lock()
	r.Users = append(r.Users, append([]signaling.PeerIdentity(nil), users...))
	r.mu.Unlock()
}

func (r *Recorder) UpdateCallButtons(c CallControls) {
	r.mu.Lock()
	r.Controls = append(r.Controls, c)
	r.mu.Unlock()
}

// LastControls returns the most recent controls, or the zero value.
func (r *Recorder) LastControls() CallControls {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Controls) == 0 {
		return CallControls{}
	}
	return r.Controls[len(r.Controls)-1]
}

func (r *Recorder) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors)
}

// LastError returns the most recent error message, or "".
func (r *Recorder) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1]
}
