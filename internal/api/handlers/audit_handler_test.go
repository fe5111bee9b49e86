package handlers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cliniquery/backend/internal/audit"
)

// fakeStreamConn stands in for the websocket connection. ReadMessage
// blocks until an error is injected, mimicking a quiet client that
// eventually disconnects.
type fakeStreamConn struct {
	readErr chan error

	mu      sync.Mutex
	written []audit.Record
	closed  bool
}

func newFakeStreamConn() *fakeStreamConn {
	return &fakeStreamConn{readErr: make(chan error, 1)}
}

func (f *fakeStreamConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := v.(audit.Record); ok {
		f.written = append(f.written, record)
	}
	return nil
}

func (f *fakeStreamConn) ReadMessage() (int, []byte, error) {
	err := <-f.readErr
	return 0, nil, err
}

func (f *fakeStreamConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreamConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestStreamRecordsEndsOnDisconnectWithoutTraffic(t *testing.T) {
	h := NewAuditHandler(nil, audit.NewStream())
	conn := newFakeStreamConn()

	done := make(chan struct{})
	go func() {
		h.streamRecords(conn)
		close(done)
	}()

	// No records are ever published; the loop must still notice the
	// client going away.
	conn.readErr <- errors.New("client went away")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream loop did not end after the client disconnected")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("connection was not closed")
	}
}

func TestStreamRecordsDeliversPublishedRecords(t *testing.T) {
	stream := audit.NewStream()
	h := NewAuditHandler(nil, stream)
	conn := newFakeStreamConn()

	done := make(chan struct{})
	go func() {
		h.streamRecords(conn)
		close(done)
	}()

	// Publish until the subscriber is wired up and a write lands.
	deadline := time.Now().Add(time.Second)
	for conn.writtenCount() == 0 && time.Now().Before(deadline) {
		stream.Publish(audit.Record{RequestID: "req-1", Status: "EXECUTED"})
		time.Sleep(time.Millisecond)
	}
	if conn.writtenCount() == 0 {
		t.Fatal("no record was written to the client")
	}

	conn.mu.Lock()
	first := conn.written[0]
	conn.mu.Unlock()
	if first.RequestID != "req-1" {
		t.Errorf("request_id = %q, want req-1", first.RequestID)
	}

	conn.readErr <- errors.New("client went away")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream loop did not end after the client disconnected")
	}
}
