package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

const maxICEResponseBytes = 1 << 20

// iceURLFor maps the relay's signaling URL onto its /webrtc/ice endpoint.
func iceURLFor(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/signal") + "/webrtc/ice"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// refreshICEServers replaces the ICE servers used for new calls. Failures
// keep the previous list.
func (c *Client) refreshICEServers(ctx context.Context, token string) {
	fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	servers, err := c.fetchICEServers(fetchCtx, token)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("could not fetch ICE servers", "url", c.iceURL, "authorized", token != "", "err", err)
		}
		return
	}
	c.mu.Lock()
	c.iceServers = servers
	c.mu.Unlock()
	c.log.Info("fetched ICE servers", "count", len(servers), "authorized", token != "")
}

func (c *Client) fetchICEServers(ctx context.Context, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.iceURL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", c.iceURL, resp.StatusCode)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
