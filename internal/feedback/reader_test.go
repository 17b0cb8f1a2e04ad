package feedback

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
)

func feedbackRecord(seq byte, ts uint32) []byte {
	token := bytes.Repeat([]byte{seq}, apns.FeedbackTokenLength)
	record := make([]byte, 0, apns.FeedbackRecordLength)
	record = binary.BigEndian.AppendUint32(record, ts)
	record = binary.BigEndian.AppendUint16(record, apns.FeedbackTokenLength)
	return append(record, token...)
}

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestReaderEmitsEveryRecordRegardlessOfChunking(t *testing.T) {
	const records = 5
	var stream []byte
	for i := 0; i < records; i++ {
		stream = append(stream, feedbackRecord(byte(i+1), uint32(1600000000+i))...)
	}

	// Partitions chosen to split records across chunk boundaries.
	partitions := [][]int{
		{len(stream)},
		{1, len(stream) - 1},
		{37, 1, 38, 40, len(stream) - 116},
		{10, 10, 10, 10, 10, 10, 10, 10, 10, len(stream) - 90},
	}

	for _, sizes := range partitions {
		sizes := sizes
		t.Run(fmt.Sprintf("chunks=%v", sizes), func(t *testing.T) {
			r := New(Config{BufferRecords: 1}, nil)

			rest := stream
			for _, size := range sizes {
				r.consume(rest[:size])
				rest = rest[size:]
			}
			r.flush()

			events := collect(t, r.Events(), records)
			for i, ev := range events {
				if ev.Type != EventDevice {
					t.Fatalf("event %d: type %d", i, ev.Type)
				}
				wantToken := bytes.Repeat([]byte{byte(i + 1)}, apns.FeedbackTokenLength)
				if !bytes.Equal(ev.Record.Token.Binary(), wantToken) {
					t.Fatalf("event %d: token %s", i, ev.Record.Token)
				}
				if ev.Record.Timestamp.Unix() != int64(1600000000+i) {
					t.Fatalf("event %d: timestamp %v", i, ev.Record.Timestamp)
				}
			}
		})
	}
}

func TestReaderBatchesUntilBufferFull(t *testing.T) {
	// Three records into a two-record buffer: the first fill flushes a batch
	// of two, the third sits buffered until stream end.
	stream := append(feedbackRecord(1, 100), feedbackRecord(2, 200)...)
	stream = append(stream, feedbackRecord(3, 300)...)

	r := New(Config{BufferRecords: 2}, nil)
	r.consume(stream)

	events := collect(t, r.Events(), 2)
	for i, ev := range events {
		if ev.Type != EventDevice {
			t.Fatalf("event %d: type %d", i, ev.Type)
		}
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("third record emitted before stream end: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	r.flush()
	third := collect(t, r.Events(), 1)[0]
	if third.Record.Timestamp.Unix() != 300 {
		t.Fatalf("expected third record at stream end, got %+v", third)
	}
}

func TestReaderRunFlushesOnStreamEnd(t *testing.T) {
	client, srv := net.Pipe()
	r := New(Config{
		BufferRecords: 4,
		Dial:          func(context.Context) (net.Conn, error) { return client, nil },
	}, nil)

	go r.Run(context.Background())
	go func() {
		srv.Write(feedbackRecord(9, 900))
		srv.Close()
	}()

	events := collect(t, r.Events(), 2)
	if events[0].Type != EventDevice || events[0].Record.Timestamp.Unix() != 900 {
		t.Fatalf("expected buffered record before end, got %+v", events[0])
	}
	if events[1].Type != EventEnd {
		t.Fatalf("expected end event, got %+v", events[1])
	}
}

func TestReaderRunSurfacesDialFailure(t *testing.T) {
	r := New(Config{
		Dial: func(context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("no route")
		},
	}, nil)
	go r.Run(context.Background())

	ev := collect(t, r.Events(), 1)[0]
	if ev.Type != EventError || ev.Err == nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
}
