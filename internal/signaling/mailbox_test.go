package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/mailbox"
)

func popEnvelopes(t *testing.T, store *mailbox.MemoryStore, key string) []mailbox.Envelope {
	t.Helper()
	raws, err := store.Pop(context.Background(), key, 100)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	out := make([]mailbox.Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := mailbox.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s): %v", raw, err)
		}
		out = append(out, env)
	}
	return out
}

func TestMailboxTransport_Exchange(t *testing.T) {
	store := mailbox.NewMemoryStore()
	tr := &MailboxTransport{Store: store, PollInterval: 5 * time.Millisecond}

	conn, err := tr.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	envs := popEnvelopes(t, store, mailbox.InboxKey)
	if len(envs) != 1 || envs[0].Op != mailbox.OpOpen {
		t.Fatalf("inbox=%+v, want one open envelope", envs)
	}
	id := envs[0].Conn

	if err := conn.WriteMessage([]byte(`{"type":"logout"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	envs = popEnvelopes(t, store, mailbox.InboxKey)
	if len(envs) != 1 || envs[0].Op != mailbox.OpData || envs[0].Conn != id || string(envs[0].Data) != `{"type":"logout"}` {
		t.Fatalf("inbox=%+v, want the logout data envelope", envs)
	}

	reply, _ := mailbox.Envelope{Conn: id, Op: mailbox.OpData, Data: []byte(`{"type":"pong","ts":3}`)}.Encode()
	if err := store.Push(context.Background(), mailbox.ClientKey(id), reply); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != `{"type":"pong","ts":3}` {
		t.Fatalf("got %q", got)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	envs = popEnvelopes(t, store, mailbox.InboxKey)
	if len(envs) != 1 || envs[0].Op != mailbox.OpClose || envs[0].Conn != id {
		t.Fatalf("inbox=%+v, want one close envelope", envs)
	}
}

func TestMailboxTransport_ClosedByRelay(t *testing.T) {
	store := mailbox.NewMemoryStore()
	tr := &MailboxTransport{Store: store, PollInterval: 5 * time.Millisecond}

	conn, err := tr.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	id := popEnvelopes(t, store, mailbox.InboxKey)[0].Conn

	closing, _ := mailbox.Envelope{Conn: id, Op: mailbox.OpClose}.Encode()
	_ = store.Push(context.Background(), mailbox.ClientKey(id), closing)

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosedByRelay) {
			t.Fatalf("err=%v, want ErrClosedByRelay", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadMessage did not observe the close")
	}
	if err := conn.WriteMessage([]byte(`{"type":"ping"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write after close err=%v, want ErrNotConnected", err)
	}
}
