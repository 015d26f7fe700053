package transport

import (
	"sync"
)

// subscriber holds at most one pending message. A slow subscriber only ever
// sees the newest message; older ones are replaced.
type subscriber struct {
	addr string
	c    chan []byte
	done chan struct{}
}

// fanout tracks the subscribers of a bound channel.
type fanout struct {
	lock   sync.Mutex
	subs   map[*subscriber]bool
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*subscriber]bool)}
}

// add registers a subscriber, returning nil once the fanout is closed.
func (f *fanout) add(addr string) *subscriber {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return nil
	}
	s := &subscriber{
		addr: addr,
		c:    make(chan []byte, 1),
		done: make(chan struct{}),
	}
	f.subs[s] = true
	return s
}

func (f *fanout) remove(s *subscriber) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.subs[s] {
		delete(f.subs, s)
		close(s.done)
	}
}

func (f *fanout) len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.subs)
}

// publish hands b to every subscriber without blocking.
func (f *fanout) publish(b []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for s := range f.subs {
		select {
		case s.c <- b:
			continue
		default:
		}
		// Replace the stale message the subscriber has not picked up yet.
		select {
		case <-s.c:
		default:
		}
		select {
		case s.c <- b:
		default:
		}
	}
}

// close disconnects every subscriber.
func (f *fanout) close() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		close(s.done)
	}
}
