package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/mailbox"
)

var ErrClosedByRelay = errors.New("mailbox connection closed by relay")

const (
	mailboxPopBatch       = 64
	mailboxMaxStoreErrors = 3
)

// MailboxTransport talks to the relay through a mailbox.Store: frames go to
// the relay inbox and replies are polled from a per-connection list.
type MailboxTransport struct {
	Store        mailbox.Store
	PollInterval time.Duration
}

func (t *MailboxTransport) Name() string { return "mailbox" }

func (t *MailboxTransport) Dial(ctx context.Context) (Conn, error) {
	interval := t.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	id := uuid.NewString()
	open, err := mailbox.Envelope{Conn: id, Op: mailbox.OpOpen}.Encode()
	if err != nil {
		return nil, err
	}
	if err := t.Store.Push(ctx, mailbox.InboxKey, open); err != nil {
		return nil, fmt.Errorf("mailbox open: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &mailboxConn{
		id:     id,
		store:  t.Store,
		in:     make(chan []byte, mailboxPopBatch),
		failed: make(chan struct{}),
		cancel: cancel,
	}
	go c.poll(pollCtx, interval)
	return c, nil
}

type mailboxConn struct {
	id    string
	store mailbox.Store

	in     chan []byte
	failed chan struct{}
	errMu  sync.Mutex
	err    error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *mailboxConn) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	storeErrors := 0
	for {
		select {
		case <-ctx.Done():
			c.fail(closedErr(ctx.Err()))
			return
		case <-ticker.C:
		}

		raws, err := c.store.Pop(ctx, mailbox.ClientKey(c.id), mailboxPopBatch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			storeErrors++
			if storeErrors >= mailboxMaxStoreErrors {
				c.fail(fmt.Errorf("mailbox poll: %w", err))
				return
			}
			continue
		}
		storeErrors = 0

		for _, raw := range raws {
			env, err := mailbox.DecodeEnvelope(raw)
			if err != nil {
				continue
			}
			switch env.Op {
			case mailbox.OpClose:
				c.fail(ErrClosedByRelay)
				return
			case mailbox.OpData:
				select {
				case c.in <- []byte(env.Data):
				case <-ctx.Done():
					c.fail(closedErr(ctx.Err()))
					return
				}
			}
		}
	}
}

func closedErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.New("mailbox connection closed")
	}
	return err
}

func (c *mailboxConn) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.failed)
}

func (c *mailboxConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.failed:
		// Deliver anything already buffered before reporting the failure.
		select {
		case data := <-c.in:
			return data, nil
		default:
		}
		c.errMu.Lock()
		defer c.errMu.Unlock()
		return nil, c.err
	}
}

func (c *mailboxConn) WriteMessage(data []byte) error {
	select {
	case <-c.failed:
		return ErrNotConnected
	default:
	}
	raw, err := mailbox.Envelope{Conn: c.id, Op: mailbox.OpData, Data: data}.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.store.Push(ctx, mailbox.InboxKey, raw)
}

func (c *mailboxConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		var raw []byte
		raw, err = mailbox.Envelope{Conn: c.id, Op: mailbox.OpClose}.Encode()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsCloseTimeout)
		defer cancel()
		err = c.store.Push(ctx, mailbox.InboxKey, raw)
	})
	return err
}
