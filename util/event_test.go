package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.HasBeenNotified())
	assert.False(t, e.WaitTimeout(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitContext(ctx), context.DeadlineExceeded)

	go e.Notify()
	e.Wait()
	e.Notify()
	assert.True(t, e.HasBeenNotified())
	assert.True(t, e.WaitTimeout(time.Second))
	assert.NoError(t, e.WaitContext(context.Background()))
}
