package audit

import (
	"testing"
	"time"
)

func TestStreamFanOut(t *testing.T) {
	s := NewStream()

	first, cancelFirst := s.Subscribe()
	second, cancelSecond := s.Subscribe()
	defer cancelSecond()

	s.Publish(Record{RequestID: "req-1"})

	for _, ch := range []<-chan Record{first, second} {
		select {
		case record := <-ch:
			if record.RequestID != "req-1" {
				t.Errorf("got %q", record.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the record")
		}
	}

	cancelFirst()
	if _, ok := <-first; ok {
		t.Error("cancelled subscriber channel must be closed")
	}

	// Publishing after a cancel reaches only the remaining subscriber.
	s.Publish(Record{RequestID: "req-2"})
	select {
	case record := <-second:
		if record.RequestID != "req-2" {
			t.Errorf("got %q", record.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive the record")
	}
}

func TestStreamSlowSubscriberDropsRecords(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe()
	defer cancel()

	// Fill the buffer and keep going; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(Record{RequestID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if len(ch) != 16 {
		t.Errorf("buffered %d records, want 16", len(ch))
	}

	cancel()
	// Double cancel is safe.
	cancel()
}
