package queue

// semaphore is a channel-based counting semaphore bounding dispatch slots.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

// tryAcquire attempts to take a slot without blocking.
func (s *semaphore) tryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// release frees a slot. Must only follow a successful tryAcquire.
func (s *semaphore) release() {
	<-s.ch
}

func (s *semaphore) inUse() int {
	return len(s.ch)
}

func (s *semaphore) capacity() int {
	return cap(s.ch)
}
