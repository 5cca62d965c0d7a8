package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarICEDisconnectedTimeout       = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout             = "WEBRTC_ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval         = "WEBRTC_ICE_KEEPALIVE_INTERVAL"

	DefaultICEDisconnectedTimeout = 5 * time.Second
	DefaultICEFailedTimeout       = 25 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork holds the pion SettingEngine knobs the client exposes.
type WebRTCNetwork struct {
	UDPPortRange         *UDPPortRange
	NAT1To1IPs           []string
	NAT1To1CandidateType NAT1To1IPCandidateType

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

type iceFlags struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func registerICEFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) *iceFlags {
	f := &iceFlags{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
	fs.StringVar(&f.serversJSON, "ice-servers-json", f.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&f.stunURLs, "stun-urls", f.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&f.turnURLs, "turn-urls", f.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", f.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", f.turnCredential, "TURN credential ("+envTurnCredential+")")
	return f
}

// servers prefers the JSON form over the convenience variables.
func (f *iceFlags) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(f.serversJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(f.stunURLs, f.turnURLs, f.turnUsername, f.turnCredential)
}

type networkFlags struct {
	portMin       uint
	portMax       uint
	nat1To1IPs    string
	candidateType string
	disconnected  time.Duration
	failed        time.Duration
	keepalive     time.Duration
}

func registerNetworkFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) (*networkFlags, error) {
	f := &networkFlags{
		nat1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		candidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}
	for _, p := range []struct {
		key string
		dst *uint
	}{{envVarWebRTCUDPPortMin, &f.portMin}, {envVarWebRTCUDPPortMax, &f.portMax}} {
		raw, ok := lookup(p.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", p.key, raw, err)
		}
		*p.dst = uint(port)
	}
	var err error
	if f.disconnected, err = envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout); err != nil {
		return nil, err
	}
	if f.failed, err = envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout); err != nil {
		return nil, err
	}
	if f.keepalive, err = envDurationOrDefault(lookup, envVarICEKeepaliveInterval, DefaultICEKeepaliveInterval); err != nil {
		return nil, err
	}

	fs.UintVar(&f.portMin, "webrtc-udp-port-min", f.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.portMax, "webrtc-udp-port-max", f.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.nat1To1IPs, "webrtc-nat-1to1-ips", f.nat1To1IPs, "Comma-separated public IPs to advertise (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&f.candidateType, "webrtc-nat-1to1-ip-candidate-type", f.candidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.DurationVar(&f.disconnected, "ice-disconnected-timeout", f.disconnected, "ICE disconnected timeout (env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&f.failed, "ice-failed-timeout", f.failed, "ICE failed timeout (env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&f.keepalive, "ice-keepalive-interval", f.keepalive, "ICE keepalive interval (env "+envVarICEKeepaliveInterval+")")
	return f, nil
}

func (f *networkFlags) resolve() (WebRTCNetwork, error) {
	out := WebRTCNetwork{
		ICEDisconnectedTimeout: f.disconnected,
		ICEFailedTimeout:       f.failed,
		ICEKeepaliveInterval:   f.keepalive,
	}

	if (f.portMin == 0) != (f.portMax == 0) {
		return WebRTCNetwork{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if f.portMin != 0 {
		if f.portMin > 65535 || f.portMax > 65535 {
			return WebRTCNetwork{}, fmt.Errorf("webrtc udp port range out of bounds: %d-%d", f.portMin, f.portMax)
		}
		if f.portMin > f.portMax {
			return WebRTCNetwork{}, fmt.Errorf("webrtc udp port range is inverted: %d-%d", f.portMin, f.portMax)
		}
		out.UDPPortRange = &UDPPortRange{Min: uint16(f.portMin), Max: uint16(f.portMax)}
	}

	for _, raw := range splitCommaSeparated(f.nat1To1IPs) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s entry %q", envVarWebRTCNAT1To1IPs, raw)
		}
		out.NAT1To1IPs = append(out.NAT1To1IPs, ip.String())
	}

	switch NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(f.candidateType))) {
	case NAT1To1CandidateTypeHost:
		out.NAT1To1CandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeSrflx:
		out.NAT1To1CandidateType = NAT1To1CandidateTypeSrflx
	default:
		return WebRTCNetwork{}, fmt.Errorf("invalid %s %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, f.candidateType)
	}

	if out.ICEDisconnectedTimeout <= 0 || out.ICEFailedTimeout <= 0 || out.ICEKeepaliveInterval <= 0 {
		return WebRTCNetwork{}, errors.New("ice timeouts must be > 0")
	}
	if out.ICEFailedTimeout < out.ICEDisconnectedTimeout {
		return WebRTCNetwork{}, fmt.Errorf("%s must be >= %s", envVarICEFailedTimeout, envVarICEDisconnectedTimeout)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("port must be > 0")
	}
	return uint16(n), nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates the browser-style RTCIceServer
// list accepted in AERO_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(server.URLs, ",")),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}
		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: turnUsername, Credential: turnCredential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !needsCreds {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
