package audit

import "sync"

// Stream fans appended records out to live subscribers (the websocket
// tail). Slow subscribers drop records rather than block the pipeline.
type Stream struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Record
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Record)}
}

// Subscribe returns a buffered channel of future records and a cancel
// function that must be called when the subscriber goes away.
func (s *Stream) Subscribe() (<-chan Record, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan Record, 16)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Stream) Publish(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- record:
		default:
		}
	}
}
