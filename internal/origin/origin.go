// Package origin decides which browser origins may open the relay's
// signaling WebSocket.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns the
// canonical origin (lowercase scheme://host[:port], default port dropped)
// plus the host[:port] part. "null" is accepted and returned as-is.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an allow-list of normalized origins. An empty list means
// same-host only; "*" allows everything.
type Policy struct {
	allowed []string
}

func NewPolicy(allowedOrigins []string) Policy {
	return Policy{allowed: allowedOrigins}
}

// Allows reports whether a request carrying originHeader, sent to
// requestHost, passes the policy. Requests without an Origin header are
// non-browser clients and are allowed.
func (p Policy) Allows(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	if normalized == "null" {
		return false
	}
	// Scheme is ignored: the relay may sit behind a TLS-terminating proxy.
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == host
}

func canonicalHost(rawHost, scheme string) (string, bool) {
	if rawHost == "" {
		return "", false
	}
	hostname, port := rawHost, ""
	if h, p, err := net.SplitHostPort(rawHost); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(rawHost, "[") && strings.HasSuffix(rawHost, "]") {
		hostname = rawHost[1 : len(rawHost)-1]
	} else if strings.Contains(rawHost, ":") {
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
