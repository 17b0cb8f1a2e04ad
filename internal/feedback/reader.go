// Package feedback reads the feedback service's stream of stale device
// tokens and reassembles its fixed-size records.
package feedback

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
)

// EventType labels reader events.
type EventType int

// Reader event types.
const (
	// EventDevice carries one reassembled feedback record.
	EventDevice EventType = iota
	// EventEnd means the stream finished cleanly after flushing the buffer.
	EventEnd
	// EventError means the stream failed; no end event follows.
	EventError
)

// Event is one observation from the reader.
type Event struct {
	Type   EventType
	Record apns.FeedbackRecord
	Err    error
}

// Config carries the reader knobs. TLS material is opaque and handed
// unmodified to the dialer.
type Config struct {
	Host          string
	Port          int
	TLS           *tls.Config
	BufferRecords int
	DialTimeout   time.Duration

	// Dial overrides the TLS dialer, used by tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Reader owns one transient read-only connection. Records are batched: the
// buffer is parsed only when it is exactly full, or at stream end. A slow
// trickle of bytes therefore delays emission until the batch completes; this
// mirrors the remote's record-burst behavior and is intentional.
type Reader struct {
	cfg    Config
	log    *slog.Logger
	events chan Event
	buf    []byte
}

// New builds a Reader. The logger may be nil.
func New(cfg Config, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Host == "" {
		cfg.Host = apns.FeedbackHost
	}
	if cfg.Port == 0 {
		cfg.Port = apns.FeedbackPort
	}
	if cfg.BufferRecords <= 0 {
		cfg.BufferRecords = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Reader{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 16),
		buf:    make([]byte, 0, cfg.BufferRecords*apns.FeedbackRecordLength),
	}
}

// Events exposes the reader's event stream.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// Run connects and consumes the stream until it ends or fails. A clean end
// flushes whatever complete records remain buffered and emits the end event;
// a failure emits an error event instead.
func (r *Reader) Run(ctx context.Context) {
	conn, err := r.dial(ctx)
	if err != nil {
		r.events <- Event{Type: EventError, Err: fmt.Errorf("feedback connect: %w", err)}
		return
	}
	defer conn.Close()

	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			r.consume(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.flush()
				r.events <- Event{Type: EventEnd}
			} else {
				r.events <- Event{Type: EventError, Err: fmt.Errorf("feedback read: %w", err)}
			}
			return
		}
	}
}

// consume folds one inbound chunk into the batch buffer, flushing each time
// the buffer fills. The loop replaces the recursive refill of older clients
// so stack depth stays flat for any chunk size.
func (r *Reader) consume(chunk []byte) {
	for len(chunk) > 0 {
		avail := cap(r.buf) - len(r.buf)
		if len(chunk) < avail {
			r.buf = append(r.buf, chunk...)
			return
		}
		r.buf = append(r.buf, chunk[:avail]...)
		chunk = chunk[avail:]
		r.flush()
	}
}

// flush parses every complete record currently buffered and resets the
// buffer. Malformed records are logged and skipped; the stream continues.
func (r *Reader) flush() {
	for off := 0; off+apns.FeedbackRecordLength <= len(r.buf); off += apns.FeedbackRecordLength {
		record, err := apns.DecodeFeedbackRecord(r.buf[off : off+apns.FeedbackRecordLength])
		if err != nil {
			r.log.Warn("dropping malformed feedback record", "error", err)
			continue
		}
		r.events <- Event{Type: EventDevice, Record: record}
	}
	r.buf = r.buf[:0]
}

func (r *Reader) dial(ctx context.Context) (net.Conn, error) {
	if r.cfg.Dial != nil {
		return r.cfg.Dial(ctx)
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: r.cfg.DialTimeout},
		Config:    r.cfg.TLS,
	}
	return dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port))
}
