package stream

import (
	"sync"

	"conduit/video"
)

// Slot is a single-entry mailbox between the engine and a worker. Put never
// blocks: a frame not yet taken is replaced by the newer one.
type Slot struct {
	mu          sync.Mutex
	frame       *video.Frame
	ready       chan struct{}
	overwritten uint64
}

func NewSlot() *Slot {
	return &Slot{ready: make(chan struct{}, 1)}
}

// Put stores f, reporting whether an untaken frame was replaced.
func (s *Slot) Put(f *video.Frame) (replaced bool) {
	s.mu.Lock()
	replaced = s.frame != nil
	if replaced {
		s.overwritten++
	}
	s.frame = f
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Ready is signalled after Put. A receive may find the slot already emptied
// by Take.
func (s *Slot) Ready() <-chan struct{} {
	return s.ready
}

// Take empties the slot, returning nil when it holds nothing.
func (s *Slot) Take() *video.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frame
	s.frame = nil
	return f
}

// Overwritten counts frames replaced before they were taken.
func (s *Slot) Overwritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwritten
}
