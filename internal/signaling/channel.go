package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
)

var (
	ErrNotConnected       = errors.New("signaling channel not connected")
	ErrSendQueueFull      = errors.New("signaling send queue full")
	ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusFailed is terminal until Connect is called again.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type StatusEvent struct {
	Status Status
	// Attempt is the consecutive failure count; RetryIn is the scheduled
	// delay before the next dial (zero when none is scheduled).
	Attempt int
	RetryIn time.Duration
	Err     error
}

// Channel delivers Messages to and from the relay. Implementations never
// panic into callers; failures surface as returned errors and StatusEvents.
type Channel interface {
	Connect(ctx context.Context)
	Send(msg Message) error
	OnMessage(handler func(Message))
	OnStatus(handler func(StatusEvent))
	// Disconnect closes the channel intentionally; no reconnect follows.
	Disconnect()
	Status() Status
}

// Transport dials one connection to the relay.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single established connection. ReadMessage is called from one
// goroutine and WriteMessage from another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type ChannelOptions struct {
	Backoff Backoff
	Clock   clock.Clock
	Logger  *slog.Logger
	// SendQueue bounds frames waiting for the writer goroutine.
	SendQueue int
}

// ReconnectingChannel implements Channel over any Transport, redialing with
// Backoff after unintentional closes.
type ReconnectingChannel struct {
	transport Transport
	backoff   Backoff
	clock     clock.Clock
	log       *slog.Logger
	queueSize int

	mu          sync.Mutex
	status      Status
	conn        *activeConn
	attempts    int
	intentional bool
	ctx         context.Context
	cancel      context.CancelFunc
	retry       clock.Timer
	onMessage   func(Message)
	onStatus    func(StatusEvent)
}

var _ Channel = (*ReconnectingChannel)(nil)

func NewChannel(transport Transport, opts ChannelOptions) *ReconnectingChannel {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &ReconnectingChannel{
		transport: transport,
		backoff:   opts.Backoff,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "signaling", "transport", transport.Name()),
		queueSize: opts.SendQueue,
	}
}

func (c *ReconnectingChannel) OnMessage(handler func(Message)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

func (c *ReconnectingChannel) OnStatus(handler func(StatusEvent)) {
	c.mu.Lock()
	c.onStatus = handler
	c.mu.Unlock()
}

func (c *ReconnectingChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ReconnectingChannel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.intentional = false
	c.attempts = 0
	c.status = StatusConnecting
	dialCtx := c.ctx
	c.mu.Unlock()

	c.emit(StatusEvent{Status: StatusConnecting})
	go c.dial(dialCtx)
}

func (c *ReconnectingChannel) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ac := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	prev := c.status
	c.status = StatusDisconnected
	c.mu.Unlock()

	if ac != nil {
		// Queued frames (typically the logout) are flushed before the
		// connection closes.
		ac.finish()
	}
	if prev != StatusDisconnected {
		c.emit(StatusEvent{Status: StatusDisconnected})
	}
}

func (c *ReconnectingChannel) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ac := c.conn
	if ac == nil || c.status != StatusConnected {
		status := c.status
		c.mu.Unlock()
		c.log.Debug("send while not connected", "type", msg.Type, "status", status.String())
		c.emit(StatusEvent{Status: status, Err: ErrNotConnected})
		return ErrNotConnected
	}
	select {
	case ac.out <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.log.Warn("signaling send queue full; dropping message", "type", msg.Type)
		return ErrSendQueueFull
	}
}

func (c *ReconnectingChannel) dial(ctx context.Context) {
	conn, err := c.transport.Dial(ctx)

	c.mu.Lock()
	if c.intentional || ctx.Err() != nil {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		ev := c.scheduleRetryLocked(err)
		c.mu.Unlock()
		c.log.Warn("signaling dial failed", "err", err, "attempt", ev.Attempt)
		c.emit(ev)
		return
	}

	ac := &activeConn{conn: conn, out: make(chan []byte, c.queueSize), done: make(chan struct{})}
	c.conn = ac
	c.attempts = 0
	c.status = StatusConnected
	c.mu.Unlock()

	c.log.Info("signaling connected")
	go c.readLoop(ac)
	go c.writeLoop(ac)
	c.emit(StatusEvent{Status: StatusConnected})
}

func (c *ReconnectingChannel) readLoop(ac *activeConn) {
	for {
		data, err := ac.conn.ReadMessage()
		if err != nil {
			c.connLost(ac, err)
			return
		}
		msg, err := Parse(data)
		if err != nil {
			c.log.Warn("dropping signaling message", "err", err)
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler == nil {
			c.log.Debug("no handler registered; dropping message", "type", msg.Type)
			continue
		}
		handler(msg)
	}
}

func (c *ReconnectingChannel) writeLoop(ac *activeConn) {
	for {
		select {
		case <-ac.done:
			return
		case data, ok := <-ac.out:
			if !ok {
				_ = ac.conn.Close()
				return
			}
			if err := ac.conn.WriteMessage(data); err != nil {
				c.connLost(ac, err)
				return
			}
		}
	}
}

func (c *ReconnectingChannel) connLost(ac *activeConn, err error) {
	c.mu.Lock()
	if c.conn != ac {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	ac.abort()
	ev := c.scheduleRetryLocked(err)
	c.mu.Unlock()

	c.log.Warn("signaling connection lost", "err", err, "attempt", ev.Attempt, "retry_in", ev.RetryIn)
	c.emit(ev)
}

// scheduleRetryLocked records one more consecutive failure and either arms
// the retry timer or gives up.
func (c *ReconnectingChannel) scheduleRetryLocked(cause error) StatusEvent {
	c.attempts++
	if c.backoff.Exhausted(c.attempts) {
		c.status = StatusFailed
		return StatusEvent{
			Status:  StatusFailed,
			Attempt: c.attempts,
			Err:     fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.backoff.MaxAttempts, cause),
		}
	}

	delay := c.backoff.Delay(c.attempts)
	c.status = StatusDisconnected
	c.retry = c.clock.AfterFunc(delay, c.retryNow)
	return StatusEvent{Status: StatusDisconnected, Attempt: c.attempts, RetryIn: delay, Err: cause}
}

func (c *ReconnectingChannel) retryNow() {
	c.mu.Lock()
	if c.intentional || c.status != StatusDisconnected || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.status = StatusConnecting
	ctx := c.ctx
	attempt := c.attempts
	c.mu.Unlock()

	c.emit(StatusEvent{Status: StatusConnecting, Attempt: attempt})
	go c.dial(ctx)
}

func (c *ReconnectingChannel) emit(ev StatusEvent) {
	c.mu.Lock()
	handler := c.onStatus
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

type activeConn struct {
	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// finish lets the writer drain queued frames, then close the connection.
func (a *activeConn) finish() {
	a.once.Do(func() { close(a.out) })
}

// abort closes the connection immediately, discarding queued frames.
func (a *activeConn) abort() {
	a.once.Do(func() {
		close(a.done)
		_ = a.conn.Close()
	})
}
