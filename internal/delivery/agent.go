// Package delivery queues notifications, drives them through the gateway
// channel and reconciles the gateway's asynchronous failure reports into
// at-least-once delivery semantics.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
	"github.com/bark-labs/apns-relay/internal/feedback"
	"github.com/bark-labs/apns-relay/internal/gateway"
	"github.com/bark-labs/apns-relay/internal/model"
)

// ErrBlacklisted is the completion error for notifications addressed to a
// token the feedback service or an error report marked bad.
var ErrBlacklisted = errors.New("device token is blacklisted")

// ErrAgentClosed is returned once the agent has shut down.
var ErrAgentClosed = errors.New("delivery agent closed")

// Handler is a notification's completion callback. It fires at most once,
// with nil after the grace period confirms delivery or with the single error
// that resolved the attempt. Handlers run on their own goroutine and may call
// any agent method, including Enqueue to retry.
type Handler func(err error)

// BlacklistSink receives every token the agent blacklists, so a collaborator
// can persist or prune them; the agent itself never prunes.
type BlacklistSink interface {
	TokenBlacklisted(token string, at time.Time, source string)
}

// Config carries the agent knobs.
type Config struct {
	DispatchInterval time.Duration
	GracePeriod      time.Duration
	EventLogCapacity int
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.EventLogCapacity <= 0 {
		c.EventLogCapacity = 100
	}
	return c
}

type entry struct {
	n    *model.Notification
	done Handler
}

// Agent owns the pending queue, the in-flight table, the blacklist and the
// event log. All of that state is mutated from a single run loop; public
// methods post work onto the loop. Completion handlers fire on their own
// goroutines, never on the loop.
type Agent struct {
	cfg        Config
	log        *slog.Logger
	channel    *gateway.Channel
	newReader  func() *feedback.Reader
	sink       BlacklistSink
	calls      chan func()
	stopped    chan struct{}
	cancelLoop context.CancelFunc

	// Loop-owned state.
	pending     []entry
	inflight    map[uint32]entry
	order       []uint32
	blacklist   map[string]time.Time
	events      *eventLog
	feedbackC   <-chan feedback.Event
	graceC      <-chan time.Time
	grace       *time.Timer
	suspended   bool
	gracing     bool
	dispatching bool
	querying    bool
	awaiting    bool
	// expectDrop marks that an error report already announced the coming
	// connection teardown, so the close itself must not suspend dispatch.
	expectDrop bool
}

// New builds an Agent over the given channel. newReader builds one feedback
// reader per query and may be nil to skip feedback entirely. sink and log may
// be nil.
func New(cfg Config, channel *gateway.Channel, newReader func() *feedback.Reader, sink BlacklistSink, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:       cfg,
		log:       log,
		channel:   channel,
		newReader: newReader,
		sink:      sink,
		calls:     make(chan func()),
		stopped:   make(chan struct{}),
		inflight:  make(map[uint32]entry),
		blacklist: make(map[string]time.Time),
		events:    newEventLog(cfg.EventLogCapacity),
	}
}

// SetSink registers the blacklist sink. Call it before Start.
func (a *Agent) SetSink(sink BlacklistSink) {
	a.sink = sink
}

// SeedBlacklist preloads tokens (typically from persistent storage) before
// Start.
func (a *Agent) SeedBlacklist(tokens map[string]time.Time) {
	for token, at := range tokens {
		a.blacklist[token] = at
	}
}

// Start launches the run loop. Dispatch stays disabled until the startup
// feedback query finishes; whether that query succeeds or fails, delivery is
// enabled afterward.
func (a *Agent) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancelLoop = cancel
	if a.newReader != nil {
		a.querying = true
		a.awaiting = true
		reader := a.newReader()
		a.feedbackC = reader.Events()
		go reader.Run(loopCtx)
	}
	go a.run(loopCtx)
}

// Close stops the run loop and closes the channel gracefully.
func (a *Agent) Close() {
	if a.cancelLoop != nil {
		a.cancelLoop()
	}
	<-a.stopped
	a.channel.Close(true)
}

// Enqueue validates and queues one notification for dispatch. It returns
// false, resolving done immediately, when the token is blacklisted or the
// notification fails the validity checks.
func (a *Agent) Enqueue(n *model.Notification, done Handler) bool {
	accepted := false
	err := a.call(func() {
		if _, bad := a.blacklist[n.Device.String()]; bad {
			a.complete(entry{n: n, done: done}, fmt.Errorf("%w: %s", ErrBlacklisted, n.Device))
			return
		}
		if err := n.Validate(); err != nil {
			a.complete(entry{n: n, done: done}, err)
			return
		}
		a.pending = append(a.pending, entry{n: n, done: done})
		accepted = true
		a.dispatch(context.Background())
	})
	if err != nil {
		if done != nil {
			done(err)
		}
		return false
	}
	return accepted
}

// Suspend disables dispatch. Writes already handed to the transport are not
// aborted. Calling it repeatedly is a no-op.
func (a *Agent) Suspend() {
	a.call(func() { a.suspended = true })
}

// Restart re-enables dispatch and runs a pass immediately. Calling it
// repeatedly does not stack extra passes.
func (a *Agent) Restart() {
	a.call(func() {
		a.suspended = false
		a.dispatch(context.Background())
	})
}

// Suspended reports whether dispatch is currently disabled by Suspend or a
// connection-level failure.
func (a *Agent) Suspended() bool {
	var suspended bool
	a.call(func() { suspended = a.suspended })
	return suspended
}

// PollFeedback starts one feedback query in the background, feeding any
// reported tokens into the blacklist. It is a no-op while a query is running
// or when no reader factory was configured.
func (a *Agent) PollFeedback(ctx context.Context) {
	a.call(func() {
		if a.querying || a.newReader == nil {
			return
		}
		a.querying = true
		reader := a.newReader()
		a.feedbackC = reader.Events()
		go reader.Run(ctx)
	})
}

// RemoveBlacklisted drops one token from the blacklist. The agent never
// prunes on its own; this exists for an external owner's housekeeping.
func (a *Agent) RemoveBlacklisted(token string) {
	a.call(func() { delete(a.blacklist, token) })
}

// Blacklist returns a copy of the token blacklist.
func (a *Agent) Blacklist() map[string]time.Time {
	var out map[string]time.Time
	a.call(func() {
		out = make(map[string]time.Time, len(a.blacklist))
		for token, at := range a.blacklist {
			out[token] = at
		}
	})
	return out
}

// EventLog returns a copy of the bounded event history, oldest first.
func (a *Agent) EventLog() []LogEntry {
	var out []LogEntry
	a.call(func() { out = a.events.snapshot() })
	return out
}

// QueueDepth reports the pending and in-flight counts.
func (a *Agent) QueueDepth() (pending, inflight int) {
	a.call(func() {
		pending = len(a.pending)
		inflight = len(a.inflight)
	})
	return pending, inflight
}

// call posts fn onto the run loop and waits for it.
func (a *Agent) call(fn func()) error {
	done := make(chan struct{})
	select {
	case a.calls <- func() { fn(); close(done) }:
	case <-a.stopped:
		return ErrAgentClosed
	}
	select {
	case <-done:
		return nil
	case <-a.stopped:
		return ErrAgentClosed
	}
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.stopped)
	ticker := time.NewTicker(a.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.calls:
			fn()
		case ev := <-a.channel.Events():
			a.handleChannelEvent(ctx, ev)
		case ev := <-a.feedbackC:
			a.handleFeedbackEvent(ctx, ev)
		case <-ticker.C:
			a.dispatch(ctx)
		case <-a.graceC:
			a.handleGrace(ctx)
		}
	}
}

// dispatch pops pending notifications into the channel while enabled. When a
// pass empties the queue with sends outstanding, dispatch pauses for the
// grace period; if no error report arrives before it fires, everything still
// in flight is declared delivered.
func (a *Agent) dispatch(ctx context.Context) {
	if a.dispatching || a.suspended || a.gracing || a.awaiting {
		return
	}
	a.dispatching = true
	defer func() { a.dispatching = false }()
	sent := 0
	for !a.suspended && !a.gracing && len(a.pending) > 0 {
		// Keep the event stream moving while this pass holds the loop; an
		// error report here may rearrange the queue before the next send.
		a.drainChannelEvents(ctx)
		if a.suspended || a.gracing || len(a.pending) == 0 {
			break
		}
		e := a.pending[0]
		a.pending = a.pending[1:]
		if err := a.channel.Send(ctx, e.n); err != nil {
			var terr *gateway.TransportError
			if errors.As(err, &terr) {
				// Put it back; the channel's error event decides recovery.
				a.pending = append([]entry{e}, a.pending...)
				return
			}
			a.complete(e, err)
			continue
		}
		if e.n.HasUID {
			a.inflight[e.n.UID] = e
			a.order = append(a.order, e.n.UID)
		} else {
			// Simple format carries no uid, so error reports can never be
			// correlated back; handing off is as confirmed as it gets.
			a.complete(e, nil)
		}
		sent++
	}
	if sent > 0 && len(a.pending) == 0 && len(a.inflight) > 0 {
		a.gracing = true
		a.grace = time.NewTimer(a.cfg.GracePeriod)
		a.graceC = a.grace.C
	}
}

func (a *Agent) drainChannelEvents(ctx context.Context) {
	for {
		select {
		case ev := <-a.channel.Events():
			a.handleChannelEvent(ctx, ev)
		default:
			return
		}
	}
}

// handleGrace declares every in-flight notification delivered: the gateway
// stayed quiet for the whole grace period.
func (a *Agent) handleGrace(ctx context.Context) {
	a.gracing = false
	a.graceC = nil
	a.grace = nil
	for _, uid := range a.order {
		if e, ok := a.inflight[uid]; ok {
			a.complete(e, nil)
		}
	}
	a.inflight = make(map[uint32]entry)
	a.order = nil
	a.dispatch(ctx)
}

func (a *Agent) handleChannelEvent(ctx context.Context, ev gateway.Event) {
	switch ev.Type {
	case gateway.EventSent:
		a.log.Debug("notification handed to transport")
	case gateway.EventBuffer:
		a.events.append(LogEntry{
			Time:        time.Now().UTC(),
			Description: "gateway backpressure, buffering sends",
		})
	case gateway.EventDrained:
		a.log.Debug("gateway backlog drained")
	case gateway.EventNotificationError:
		a.resolveErrorReport(ctx, ev.Report)
	case gateway.EventClosed, gateway.EventError:
		a.handleConnectionDrop(ctx, ev)
	}
}

// resolveErrorReport applies the protocol's partial-failure contract: the
// remote delivered everything written before the failing frame, rejected the
// failing frame, and dropped everything written after it along with the
// connection.
func (a *Agent) resolveErrorReport(ctx context.Context, report *apns.ErrorReport) {
	now := time.Now().UTC()
	failing, known := a.inflight[report.UID]

	le := LogEntry{Time: now, Code: report.Code, Description: report.Code.String()}
	if known {
		le.Token = failing.n.Device.String()
	}
	a.events.append(le)

	if !known {
		a.log.Warn("uncorrelated error report", "code", report.Code.String(), "uid", report.UID)
		return
	}

	// The remote tears the connection down after reporting; consume the
	// resulting close as part of this resolution. An uncorrelated report
	// must not arm this, or a later unannounced drop would skip suspension.
	a.expectDrop = true

	if report.Code.TokenFailure() {
		a.blacklistToken(failing.n.Device.String(), now, "error report")
	}
	a.complete(failing, report)

	var resend []entry
	for _, uid := range a.order {
		if uid == report.UID {
			continue
		}
		e, ok := a.inflight[uid]
		if !ok {
			continue
		}
		if uid > report.UID {
			resend = append(resend, e)
		} else {
			a.complete(e, nil)
		}
	}
	a.inflight = make(map[uint32]entry)
	a.order = nil
	// Requeue at the front, original order preserved, so resent
	// notifications do not starve behind newer enqueues.
	a.pending = append(resend, a.pending...)

	a.stopGrace()
	a.dispatch(ctx)
}

// handleConnectionDrop treats everything in flight as unconfirmed. A drop
// already announced by an error report keeps dispatching; an unannounced one
// suspends delivery until the owner restarts it.
func (a *Agent) handleConnectionDrop(ctx context.Context, ev gateway.Event) {
	expected := a.expectDrop
	a.expectDrop = false

	var resend []entry
	for _, uid := range a.order {
		if e, ok := a.inflight[uid]; ok {
			resend = append(resend, e)
		}
	}
	a.inflight = make(map[uint32]entry)
	a.order = nil
	a.pending = append(resend, a.pending...)
	a.stopGrace()

	if expected {
		a.log.Debug("gateway connection dropped after error report")
		a.dispatch(ctx)
		return
	}

	desc := "gateway connection closed"
	if ev.Err != nil {
		desc = fmt.Sprintf("gateway connection lost: %v", ev.Err)
	}
	a.events.append(LogEntry{Time: time.Now().UTC(), Description: desc})
	a.log.Warn("suspending dispatch", "reason", desc, "requeued", len(resend))
	a.suspended = true
}

func (a *Agent) handleFeedbackEvent(ctx context.Context, ev feedback.Event) {
	switch ev.Type {
	case feedback.EventDevice:
		a.blacklistToken(ev.Record.Token.String(), ev.Record.Timestamp, "feedback service")
	case feedback.EventEnd:
		a.finishFeedback(ctx, nil)
	case feedback.EventError:
		a.finishFeedback(ctx, ev.Err)
	}
}

// finishFeedback ends a feedback query. A failed query is logged but never
// blocks delivery.
func (a *Agent) finishFeedback(ctx context.Context, err error) {
	a.feedbackC = nil
	a.querying = false
	first := a.awaiting
	a.awaiting = false
	if err != nil {
		a.events.append(LogEntry{
			Time:        time.Now().UTC(),
			Description: fmt.Sprintf("feedback query failed: %v", err),
		})
		a.log.Warn("feedback query failed", "error", err)
	}
	if first {
		a.dispatch(ctx)
	}
}

func (a *Agent) blacklistToken(token string, at time.Time, source string) {
	if _, exists := a.blacklist[token]; exists {
		return
	}
	a.blacklist[token] = at
	a.log.Info("token blacklisted", "token", token, "source", source)
	if a.sink != nil {
		a.sink.TokenBlacklisted(token, at, source)
	}
}

func (a *Agent) stopGrace() {
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
		a.graceC = nil
	}
	a.gracing = false
}

func (a *Agent) complete(e entry, err error) {
	if e.done != nil {
		// Off the loop goroutine, so a handler can call back into the
		// agent without wedging it.
		go e.done(err)
	}
}
