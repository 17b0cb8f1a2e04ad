package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
	"github.com/bark-labs/apns-relay/internal/model"
)

type wireFrame struct {
	command byte
	uid     uint32
	expiry  uint32
	token   []byte
	payload []byte
}

// readFrames parses outbound frames off the server side of the pipe.
func readFrames(conn net.Conn, frames chan<- wireFrame) {
	for {
		var head [1]byte
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return
		}
		frame := wireFrame{command: head[0]}
		if frame.command == apns.CommandExtended {
			var ext [8]byte
			if _, err := io.ReadFull(conn, ext[:]); err != nil {
				return
			}
			frame.uid = binary.BigEndian.Uint32(ext[0:4])
			frame.expiry = binary.BigEndian.Uint32(ext[4:8])
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		frame.token = make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(conn, frame.token); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		frame.payload = make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(conn, frame.payload); err != nil {
			return
		}
		frames <- frame
	}
}

func pipeChannel(t *testing.T, cfg Config) (*Channel, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	cfg.Dial = func(context.Context) (net.Conn, error) { return client, nil }
	return New(cfg, nil), srv
}

func testNotification(t *testing.T, hexToken string) *model.Notification {
	t.Helper()
	token, err := model.ParseToken(hexToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return &model.Notification{Device: token, Alert: "hi"}
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %d", want)
		}
	}
}

func TestSendAssignsMonotonicSequence(t *testing.T) {
	ch, srv := pipeChannel(t, Config{ExtendedFormat: true})
	frames := make(chan wireFrame, 4)
	go readFrames(srv, frames)

	first := testNotification(t, "a1b2c3d4")
	second := testNotification(t, "0102030405")
	if err := ch.Send(context.Background(), first); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := ch.Send(context.Background(), second); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	f1 := <-frames
	f2 := <-frames
	if f1.command != apns.CommandExtended || f1.uid != 0 {
		t.Fatalf("first frame uid %d command %d", f1.uid, f1.command)
	}
	if f2.uid != 1 {
		t.Fatalf("second frame uid %d", f2.uid)
	}
	if !first.HasUID || first.UID != 0 || !second.HasUID || second.UID != 1 {
		t.Fatal("sequence numbers not recorded on notifications")
	}
	if ch.State() != StateIdle {
		t.Fatalf("state %v", ch.State())
	}

	waitEvent(t, ch.Events(), EventSent)
}

func TestSimpleFormatAssignsNoSequence(t *testing.T) {
	ch, srv := pipeChannel(t, Config{ExtendedFormat: false})
	frames := make(chan wireFrame, 1)
	go readFrames(srv, frames)

	n := testNotification(t, "a1b2c3d4")
	if err := ch.Send(context.Background(), n); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame := <-frames
	if frame.command != apns.CommandSimple {
		t.Fatalf("command %d", frame.command)
	}
	if n.HasUID {
		t.Fatal("simple format must not assign a uid")
	}
}

func TestInboundErrorRecordBecomesEvent(t *testing.T) {
	ch, srv := pipeChannel(t, Config{ExtendedFormat: true})
	frames := make(chan wireFrame, 1)
	go readFrames(srv, frames)

	if err := ch.Send(context.Background(), testNotification(t, "a1b2c3d4")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	<-frames

	srv.Write([]byte{0x08, 0x08, 0x00, 0x00, 0x00, 0x00})
	ev := waitEvent(t, ch.Events(), EventNotificationError)
	if ev.Report == nil || ev.Report.Code != apns.CodeInvalidToken || ev.Report.UID != 0 {
		t.Fatalf("unexpected report %+v", ev.Report)
	}

	srv.Close()
	waitEvent(t, ch.Events(), EventClosed)
	if ch.State() != StateDisconnected {
		t.Fatalf("state %v after close", ch.State())
	}
}

func TestBackpressureBuffersAndDrains(t *testing.T) {
	ch, srv := pipeChannel(t, Config{ExtendedFormat: true, SendQueueSize: 1})

	// Nobody is reading the server side yet: the writer blocks on the first
	// frame, the outbox holds the second, the third overflows into retry.
	for i := 0; i < 2; i++ {
		if err := ch.Send(context.Background(), testNotification(t, "a1b2c3d4")); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	third := testNotification(t, "a1b2c3d4")
	if err := ch.Send(context.Background(), third); err != nil {
		t.Fatalf("third send failed: %v", err)
	}
	if ch.State() != StateBuffering {
		t.Fatalf("state %v, want buffering", ch.State())
	}
	waitEvent(t, ch.Events(), EventBuffer)

	frames := make(chan wireFrame, 3)
	go readFrames(srv, frames)
	for i := 0; i < 3; i++ {
		select {
		case <-frames:
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never flushed", i)
		}
	}
	waitEvent(t, ch.Events(), EventDrained)
	if ch.State() != StateIdle {
		t.Fatalf("state %v after drain", ch.State())
	}
}

func TestDrainRefusedWhileRetryRefills(t *testing.T) {
	ch := New(Config{ExtendedFormat: true}, nil)

	// Replay the writer's interleaving: popRetry came back empty, then a
	// send observing the buffering state slipped a frame into retry before
	// the drain transition.
	ch.mu.Lock()
	ch.state = StateBuffering
	ch.retry = []outbound{{frame: []byte{0}}}
	ch.mu.Unlock()

	if ch.markDrained() {
		t.Fatal("drain declared with a frame still in retry")
	}
	if ch.State() != StateBuffering {
		t.Fatalf("state %v, want buffering", ch.State())
	}
	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event type %d", ev.Type)
	default:
	}

	// Once the backlog really is empty the transition goes through.
	ch.mu.Lock()
	ch.retry = nil
	ch.mu.Unlock()
	if !ch.markDrained() {
		t.Fatal("drain refused with an empty backlog")
	}
	waitEvent(t, ch.Events(), EventDrained)
	if ch.State() != StateIdle {
		t.Fatalf("state %v after drain", ch.State())
	}
}

func TestGracefulCloseFlushesPendingWrites(t *testing.T) {
	ch, srv := pipeChannel(t, Config{ExtendedFormat: true})
	frames := make(chan wireFrame, 1)
	go readFrames(srv, frames)

	if err := ch.Send(context.Background(), testNotification(t, "a1b2c3d4")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	ch.Close(true)

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("pending frame not flushed before close")
	}
	waitEvent(t, ch.Events(), EventClosed)

	if err := ch.Send(context.Background(), testNotification(t, "a1b2c3d4")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestConnectFailureSurfacesTransportError(t *testing.T) {
	cfg := Config{
		ExtendedFormat: true,
		Dial: func(context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("handshake refused")
		},
	}
	ch := New(cfg, nil)
	err := ch.Send(context.Background(), testNotification(t, "a1b2c3d4"))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	waitEvent(t, ch.Events(), EventError)
	if ch.State() != StateDisconnected {
		t.Fatalf("state %v", ch.State())
	}
}
