package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind tags a Message. The set is closed; anything else fails Parse with
// ErrUnknownKind.
type Kind string

const (
	KindLogin        Kind = "login"
	KindLoginSuccess Kind = "login-success"
	KindLoginError   Kind = "login-error"
	KindLogout       Kind = "logout"

	KindUserList         Kind = "user-list"
	KindUserConnected    Kind = "user-connected"
	KindUserDisconnected Kind = "user-disconnected"
	KindAdminOnline      Kind = "admin-online"
	KindAdminOffline     Kind = "admin-offline"

	KindCallInitiate  Kind = "call-initiate"
	KindCallInitiated Kind = "call-initiated"
	KindCallAccept    Kind = "call-accept"
	KindCallAccepted  Kind = "call-accepted"
	KindCallReject    Kind = "call-reject"
	KindCallRejected  Kind = "call-rejected"
	KindCallEnd       Kind = "call-end"
	KindCallEnded     Kind = "call-ended"

	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"

	KindPing  Kind = "ping"
	KindPong  Kind = "pong"
	KindError Kind = "error"
)

// Reject reasons carried by call-reject / call-rejected.
const (
	ReasonBusy             = "busy"
	ReasonDeclined         = "declined"
	ReasonTimeout          = "timeout"
	ReasonMediaUnavailable = "media-unavailable"
	ReasonUnavailable      = "unavailable"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

type PeerIdentity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	switch s.Type {
	case "offer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}, nil
	case "answer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the wire union. Which fields are meaningful depends on Type;
// Validate enforces the required ones.
type Message struct {
	Type Kind `json:"type"`

	// From is stamped by the relay on every routed message.
	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`

	AccessCode string `json:"accessCode,omitempty"`
	Token      string `json:"token,omitempty"`

	UserID        string `json:"userId,omitempty"`
	Username      string `json:"username,omitempty"`
	IsAdmin       bool   `json:"isAdmin,omitempty"`
	AdminSocketID string `json:"adminSocketId,omitempty"`
	AdminUsername string `json:"adminUsername,omitempty"`

	Users []PeerIdentity `json:"users,omitempty"`
	User  *PeerIdentity  `json:"user,omitempty"`

	TargetSocketID string `json:"targetSocketId,omitempty"`
	CallerID       string `json:"callerId,omitempty"`
	CallerName     string `json:"callerName,omitempty"`
	CallerSocketID string `json:"callerSocketId,omitempty"`
	CalleeID       string `json:"calleeId,omitempty"`
	CalleeName     string `json:"calleeName,omitempty"`
	RejecterName   string `json:"rejecterName,omitempty"`
	EndedByName    string `json:"endedByName,omitempty"`
	Reason         string `json:"reason,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Timestamp is the sender's unix milliseconds on ping, echoed on pong.
	Timestamp int64 `json:"ts,omitempty"`

	Message string `json:"message,omitempty"`
}

// Parse decodes and validates one frame. Unknown fields are tolerated so
// that relays may add fields without breaking older clients.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (m Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s message missing %s", ErrMalformed, m.Type, field)
	}

	switch m.Type {
	case KindLogin:
		if m.AccessCode == "" && m.Token == "" {
			return missing("accessCode/token")
		}
	case KindLoginSuccess:
		if m.UserID == "" || m.Username == "" {
			return missing("userId/username")
		}
	case KindLoginError, KindError:
		if m.Message == "" {
			return missing("message")
		}
	case KindLogout, KindAdminOffline, KindPing, KindPong:
	case KindUserList:
		for i, u := range m.Users {
			if u.UserID == "" {
				return missing(fmt.Sprintf("users[%d].userId", i))
			}
		}
	case KindUserConnected:
		if m.User == nil || m.User.UserID == "" {
			return missing("user")
		}
	case KindUserDisconnected:
		if m.UserID == "" {
			return missing("userId")
		}
	case KindAdminOnline:
		if m.AdminSocketID == "" {
			return missing("adminSocketId")
		}
	case KindCallInitiate, KindCallAccept, KindCallReject, KindCallEnd:
		if m.TargetSocketID == "" {
			return missing("targetSocketId")
		}
	case KindCallInitiated:
		if m.CallerSocketID == "" {
			return missing("callerSocketId")
		}
	case KindCallAccepted, KindCallRejected, KindCallEnded:
		if m.From == "" {
			return missing("from")
		}
	case KindOffer:
		if m.Offer == nil || m.Offer.Type != "offer" {
			return missing("offer")
		}
	case KindAnswer:
		if m.Answer == nil || m.Answer.Type != "answer" {
			return missing("answer")
		}
	case KindCandidate:
		if m.Candidate == nil {
			return missing("candidate")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, m.Type)
	}
	return nil
}

// RouteTarget returns the participant a client-originated message is
// addressed to, or "" for messages the relay handles itself.
func (m Message) RouteTarget() string {
	switch m.Type {
	case KindCallInitiate, KindCallAccept, KindCallReject, KindCallEnd:
		return m.TargetSocketID
	case KindOffer, KindAnswer, KindCandidate:
		return m.Target
	default:
		return ""
	}
}

// PeerID returns the remote participant a delivered message came from.
func (m Message) PeerID() string {
	if m.Type == KindCallInitiated && m.CallerSocketID != "" {
		return m.CallerSocketID
	}
	return m.From
}
