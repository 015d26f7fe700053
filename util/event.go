package util

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot latch. Once notified it stays notified.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (e *Event) Notify() {
	e.once.Do(func() { close(e.c) })
}

// Done returns a channel closed on notification.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

func (e *Event) Wait() {
	<-e.c
}

// WaitContext blocks until notified or until ctx ends.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout reports whether the event was notified within d.
func (e *Event) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.c:
		return true
	case <-t.C:
		return false
	}
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
