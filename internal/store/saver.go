// Package store holds the durable JSON logs behind the cluster plugin:
// outbound tasks, inbound tasks, per-peer chats, and node lifecycle events.
// Mutations are cheap in-memory edits; disk writes are debounced and atomic.
// Write errors are swallowed here — the next debounced save retries.
package store

import (
	"os"
	"sync"
	"time"
)

// DefaultDebounce is the write coalescing window when none is configured.
const DefaultDebounce = 1500 * time.Millisecond

const storeVersion = 1

// saver coalesces repeated save requests into a single debounced write.
// The first schedule after a write arms the timer; later schedules within
// the window ride on it, so staleness is bounded by the delay.
type saver struct {
	mu     sync.Mutex
	delay  time.Duration
	timer  *time.Timer
	write  func()
	closed bool
}

func newSaver(delay time.Duration, write func()) *saver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &saver{delay: delay, write: write}
}

func (s *saver) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.timer = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.write()
		}
	})
}

func (s *saver) flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.write()
	}
}

func (s *saver) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.write()
}

// writeFileAtomic rewrites path in one shot: readers never observe a partial
// file because the temp file is renamed into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
