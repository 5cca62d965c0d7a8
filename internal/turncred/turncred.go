// Package turncred mints coturn-compatible TURN REST credentials for call
// participants.
//
// Algorithm (coturn "use-auth-secret"):
//
//	username = <unix_expiry>:<prefix>:<subject>
//	password = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

var ErrInvalidSubject = errors.New("turn credential subject must be non-empty and must not contain ':'")

type Credentials struct {
	Username string
	Password string
	Expires  time.Time
}

// Minter issues credentials for one set of TURN URLs.
type Minter struct {
	urls   []string
	secret []byte
	ttl    time.Duration
	prefix string
	clock  clock.Clock
}

func NewMinter(cfg config.TURNRESTConfig, clk clock.Clock) (*Minter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("turn rest shared secret is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.New("turn rest urls are required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turn rest ttl must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turn rest username prefix must be non-empty and must not contain ':'")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Minter{
		urls:   append([]string(nil), cfg.URLs...),
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		clock:  clk,
	}, nil
}

// Mint returns credentials bound to subject, normally the caller's user id.
// An empty subject gets a random one.
func (m *Minter) Mint(subject string) (Credentials, error) {
	if subject == "" {
		subject = uuid.NewString()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	// coturn compares whole seconds.
	expires := m.clock.Now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), m.prefix, subject)
	return Credentials{
		Username: username,
		Password: sign(m.secret, username),
		Expires:  expires,
	}, nil
}

// ICEServer is the minted server entry for subject.
func (m *Minter) ICEServer(subject string) (webrtc.ICEServer, error) {
	creds, err := m.Mint(subject)
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:           append([]string(nil), m.urls...),
		Username:       creds.Username,
		Credential:     creds.Password,
		CredentialType: webrtc.ICECredentialTypePassword,
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
