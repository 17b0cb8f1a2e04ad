// Package gateway maintains the persistent outbound connection to the push
// gateway and exposes its lifecycle as events.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
	"github.com/bark-labs/apns-relay/internal/model"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("gateway channel closed")

// TransportError wraps a connection-level failure. The channel resets to
// disconnected and the next Send attempts a fresh handshake.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config carries the channel knobs. TLS material is opaque to the channel and
// handed unmodified to the dialer.
type Config struct {
	Host           string
	Port           int
	TLS            *tls.Config
	ExtendedFormat bool
	SendQueueSize  int
	DialTimeout    time.Duration
	IdleTimeout    time.Duration

	// Dial overrides the TLS dialer, used by tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = apns.GatewayHost
	}
	if out.Port == 0 {
		out.Port = apns.GatewayPort
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = 64
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 30 * time.Second
	}
	return out
}

type outbound struct {
	n         *model.Notification
	frame     []byte
	announced bool
}

// session is the state tied to one live connection. A teardown discards the
// whole session; the channel then starts a fresh one on the next Send.
type session struct {
	conn   net.Conn
	outbox chan outbound
	stop   chan struct{}
	once   sync.Once
}

// Channel owns one persistent gateway connection. All sends come from a
// single caller; events are delivered on the Events channel in order.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	mu      sync.Mutex
	state   State
	sess    *session
	retry   []outbound
	nextUID uint32
	closed  bool
}

// New builds a Channel. The logger may be nil.
func New(cfg Config, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{
		cfg:    cfg.withDefaults(),
		log:    log,
		state:  StateDisconnected,
		events: make(chan Event, 64),
	}
}

// Events exposes the channel's event stream.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send encodes and dispatches one notification, connecting first if needed.
// In the extended format the next sequence number is assigned and recorded on
// the notification before the frame enters the write pipeline. Completion is
// reported via events; a nil return means only that the frame was accepted.
func (c *Channel) Send(ctx context.Context, n *model.Notification) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state == StateDisconnected {
		c.state = StateConnecting
		c.mu.Unlock()
		if err := c.connect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
	}

	var uid uint32
	if c.cfg.ExtendedFormat {
		uid = c.nextUID
	}
	frame, err := apns.Encode(n, uid, c.cfg.ExtendedFormat)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.cfg.ExtendedFormat {
		c.nextUID++
	}

	out := outbound{n: n, frame: frame}
	if c.state == StateBuffering {
		c.retry = append(c.retry, out)
		c.mu.Unlock()
		return nil
	}

	sess := c.sess
	if sess == nil {
		// The connection died between the handshake and this send.
		c.mu.Unlock()
		return &TransportError{Op: "send", Err: errors.New("connection lost")}
	}
	select {
	case sess.outbox <- out:
		c.mu.Unlock()
		c.emit(Event{Type: EventSent, Notification: n})
	default:
		// Transport backlog is full: hold the frame in retry order until
		// the writer reports it can drain again.
		c.state = StateBuffering
		out.announced = true
		c.retry = append(c.retry, out)
		c.mu.Unlock()
		c.emit(Event{Type: EventBuffer, Notification: n})
		c.emit(Event{Type: EventSent, Notification: n})
	}
	return nil
}

// Close shuts the channel down. When graceful, pending writes are flushed
// before the connection closes; otherwise it is torn down immediately.
func (c *Channel) Close(graceful bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if graceful {
		close(sess.outbox)
		return
	}
	c.teardown(sess, Event{Type: EventClosed})
}

func (c *Channel) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		terr := &TransportError{Op: "connect", Err: err}
		c.emit(Event{Type: EventError, Err: terr})
		return terr
	}

	sess := &session{
		conn:   conn,
		outbox: make(chan outbound, c.cfg.SendQueueSize),
		stop:   make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = sess
	c.state = StateIdle
	c.mu.Unlock()
	c.log.Debug("gateway connected", "addr", conn.RemoteAddr())

	go c.writeLoop(sess)
	go c.readLoop(sess)
	return nil
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx)
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    c.cfg.TLS,
	}
	return dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
}

// writeLoop drains the outbox, then flushes the retry backlog in original
// order, and reports the drained transition once both are empty.
func (c *Channel) writeLoop(sess *session) {
	for {
		var (
			out outbound
			ok  bool
		)
		select {
		case out, ok = <-sess.outbox:
			if !ok {
				c.finishGraceful(sess)
				return
			}
		default:
			if out, ok = c.popRetry(); !ok {
				if !c.markDrained() {
					continue
				}
				select {
				case out, ok = <-sess.outbox:
					if !ok {
						c.finishGraceful(sess)
						return
					}
				case <-sess.stop:
					return
				}
			}
		}
		if _, err := sess.conn.Write(out.frame); err != nil {
			c.teardown(sess, Event{Type: EventError, Err: &TransportError{Op: "write", Err: err}})
			return
		}
		if !out.announced {
			c.emit(Event{Type: EventSent, Notification: out.n})
		}
	}
}

// readLoop scans inbound bytes record-by-record. Error records are decoded
// and re-emitted; any other byte is skipped.
func (c *Channel) readLoop(sess *session) {
	var (
		buf     [256]byte
		pending []byte
	)
	for {
		if c.cfg.IdleTimeout > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		nr, err := sess.conn.Read(buf[:])
		if nr > 0 {
			pending = append(pending, buf[:nr]...)
			for len(pending) >= apns.ErrorRecordLength {
				report := apns.DecodeErrorRecord(pending)
				if report == nil {
					pending = pending[1:]
					continue
				}
				pending = pending[apns.ErrorRecordLength:]
				c.emit(Event{Type: EventNotificationError, Report: report})
			}
		}
		if err != nil {
			ev := Event{Type: EventError, Err: &TransportError{Op: "read", Err: err}}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				ev = Event{Type: EventClosed, Err: err}
			}
			c.teardown(sess, ev)
			return
		}
	}
}

func (c *Channel) popRetry() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.retry) == 0 {
		return outbound{}, false
	}
	out := c.retry[0]
	c.retry = c.retry[1:]
	return out, true
}

// markDrained flips buffering back to idle. A send that observed the
// buffering state may append to retry between the writer's last pop and this
// call, so the transition is refused, under the same lock, while the backlog
// is non-empty; the writer must then drain again before blocking.
func (c *Channel) markDrained() bool {
	c.mu.Lock()
	if len(c.retry) > 0 {
		c.mu.Unlock()
		return false
	}
	drained := c.state == StateBuffering
	if drained {
		c.state = StateIdle
	}
	c.mu.Unlock()
	if drained {
		c.emit(Event{Type: EventDrained})
	}
	return true
}

// finishGraceful completes a graceful close once the outbox is exhausted,
// flushing any retry backlog first.
func (c *Channel) finishGraceful(sess *session) {
	for {
		out, ok := c.popRetry()
		if !ok {
			break
		}
		if _, err := sess.conn.Write(out.frame); err != nil {
			c.teardown(sess, Event{Type: EventError, Err: &TransportError{Op: "write", Err: err}})
			return
		}
		if !out.announced {
			c.emit(Event{Type: EventSent, Notification: out.n})
		}
	}
	c.teardown(sess, Event{Type: EventClosed})
}

// teardown discards the session and returns the channel to disconnected.
// Unflushed frames are dropped here: re-dispatch is the orchestrator's call.
func (c *Channel) teardown(sess *session, ev Event) {
	sess.once.Do(func() {
		close(sess.stop)
		sess.conn.Close()
		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
			c.state = StateDisconnected
			c.retry = nil
		}
		c.mu.Unlock()
		c.emit(ev)
	})
}

func (c *Channel) emit(ev Event) {
	c.events <- ev
}
