package metrics

import "sync"

// Event names shared by the client and relay.
const (
	CallStarted         = "call_started"
	CallIncoming        = "call_incoming"
	CallActive          = "call_active"
	CallEnded           = "call_ended"
	CallRejectedBusy    = "call_rejected_busy"
	CallRingTimeout     = "call_ring_timeout"
	NegotiationFailed   = "negotiation_failed"
	CandidateQueued     = "candidate_queued"
	CandidateApplyError = "candidate_apply_error"
	TrackReplaced       = "track_replaced"
	Renegotiated        = "renegotiated"
	MediaUnavailable    = "media_unavailable"

	SignalingLogin   = "signaling_login"
	SignalingResumed = "signaling_resumed"
	SignalingPong    = "signaling_pong"
	QualityChanged   = "quality_changed"

	RelayLogin          = "relay_login"
	RelayLoginRejected  = "relay_login_rejected"
	RelayRouted         = "relay_routed"
	RelayTargetOffline  = "relay_target_offline"
	RelayRateLimited    = "relay_rate_limited"
	RelayBadMessage     = "relay_bad_message"
	RelayMailboxConnect = "relay_mailbox_connect"
)

// Metrics is a minimal, concurrency-safe counter registry exported through
// PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe on a nil receiver so optional metrics need no guards.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
