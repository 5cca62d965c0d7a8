// Package mailbox is the document-store side of the polling transport:
// clients and the relay exchange Envelopes through per-recipient lists.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InboxKey is the list the relay drains; every client pushes to it.
const InboxKey = "aero-call:relay:inbox"

// ClientKey is the list a single client connection drains.
func ClientKey(connID string) string {
	return "aero-call:client:" + connID
}

type Op string

const (
	OpOpen  Op = "open"
	OpData  Op = "data"
	OpClose Op = "close"
)

type Envelope struct {
	Conn string          `json:"conn"`
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	switch e.Op {
	case OpOpen, OpClose:
	case OpData:
		if len(e.Data) == 0 {
			return Envelope{}, fmt.Errorf("data envelope without data")
		}
	default:
		return Envelope{}, fmt.Errorf("unknown envelope op %q", e.Op)
	}
	if e.Conn == "" {
		return Envelope{}, fmt.Errorf("envelope without conn id")
	}
	return e, nil
}

// Store is a set of FIFO lists keyed by name.
type Store interface {
	Push(ctx context.Context, key string, values ...[]byte) error
	// Pop removes and returns up to max values from the head of key.
	Pop(ctx context.Context, key string, max int) ([][]byte, error)
}

// MemoryStore is an in-process Store for tests and single-process setups.
type MemoryStore struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][][]byte)}
}

func (s *MemoryStore) Push(_ context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append(s.lists[key], append([]byte(nil), v...))
	}
	return nil
}

func (s *MemoryStore) Pop(_ context.Context, key string, max int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if max <= 0 || len(list) == 0 {
		return nil, nil
	}
	if max > len(list) {
		max = len(list)
	}
	out := list[:max:max]
	if rest := list[max:]; len(rest) > 0 {
		s.lists[key] = rest
	} else {
		delete(s.lists, key)
	}
	return out, nil
}

// Len reports the number of queued values under key.
func (s *MemoryStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key])
}
