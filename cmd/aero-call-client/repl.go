package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
)

const logoutTimeout = 2 * time.Second

// controller is the part of *client.Client the command loop drives.
type controller interface {
	Login(code string) error
	Logout(ctx context.Context)
	Peers() []signaling.PeerIdentity
	ResolvePeer(ref string) (string, error)
	Call(peerID string)
	Accept()
	Reject()
	Hangup()
	SetResolution(label string)
	Resolutions() []string
	Renegotiate()
	StartPreview()
	Status() client.Status
}

const helpText = `commands:
  login <code>      log in with an access code
  logout            log out and disconnect
  users             list who can be called
  call <id|name>    call a user
  accept, reject    answer an incoming call
  hangup            end the current call
  res [label]       list resolutions or switch to one
  renegotiate       renegotiate the current call
  preview           start local camera preview
  status            show connection and call state
  quit              exit
`

// runREPL reads one command per line until quit, EOF or ctx is done.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, ctl controller, presenter ui.Presenter) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "type 'help' for commands\n")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToLower(fields[0]), fields[1:]

		switch cmd {
		case "help", "?":
			fmt.Fprint(out, helpText)
		case "login":
			if len(args) != 1 {
				presenter.ShowError("usage: login <code>")
				continue
			}
			if err := ctl.Login(args[0]); err != nil {
				presenter.ShowError(err.Error())
			}
		case "logout":
			logoutCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
			ctl.Logout(logoutCtx)
			cancel()
		case "users", "who":
			presenter.UpdateUsersList(ctl.Peers())
		case "call":
			if len(args) != 1 {
				presenter.ShowError("usage: call <id|name>")
				continue
			}
			id, err := ctl.ResolvePeer(args[0])
			if err != nil {
				presenter.ShowError(err.Error())
				continue
			}
			ctl.Call(id)
		case "accept":
			ctl.Accept()
		case "reject":
			ctl.Reject()
		case "hangup", "end":
			ctl.Hangup()
		case "res", "resolution":
			if len(args) == 0 {
				fmt.Fprintf(out, "resolutions: %s (current %s)\n", strings.Join(ctl.Resolutions(), ", "), ctl.Status().Call.Resolution)
				continue
			}
			ctl.SetResolution(args[0])
		case "renegotiate":
			ctl.Renegotiate()
		case "preview":
			ctl.StartPreview()
		case "status":
			writeStatus(out, ctl.Status())
		case "quit", "exit":
			return nil
		default:
			presenter.ShowError(fmt.Sprintf("unknown command %q; type 'help'", cmd))
		}
	}
	return scanner.Err()
}

func writeStatus(out io.Writer, st client.Status) {
	fmt.Fprintf(out, "relay:      %s\n", st.Signaling)
	if st.LoggedIn {
		role := "user"
		if st.Self.IsAdmin {
			role = "admin"
		}
		fmt.Fprintf(out, "identity:   %s (%s, %s)\n", st.Self.Username, st.Self.UserID, role)
		if !st.Self.IsAdmin {
			if st.AdminOnline {
				fmt.Fprintf(out, "admin:      %s online\n", st.AdminName)
			} else {
				fmt.Fprintf(out, "admin:      offline\n")
			}
		}
	} else {
		fmt.Fprintf(out, "identity:   not logged in\n")
	}

	snap := st.Call
	if snap.PeerID != "" {
		dir := "incoming"
		if snap.IsInitiator {
			dir = "outgoing"
		}
		fmt.Fprintf(out, "call:       %s with %s (%s)\n", snap.State, snap.PeerName, dir)
	} else {
		fmt.Fprintf(out, "call:       %s\n", snap.State)
	}
	fmt.Fprintf(out, "resolution: %s\n", snap.Resolution)
	if st.Quality.Samples > 0 {
		fmt.Fprintf(out, "quality:    %s (avg %dms, jitter %dms, %d samples)\n",
			st.Quality.Label, st.Quality.Average.Milliseconds(), st.Quality.Jitter.Milliseconds(), st.Quality.Samples)
	}
}
