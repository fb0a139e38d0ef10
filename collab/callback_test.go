package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	received := []int{}
	unsubA := callbacks.Add(func(v int) {
		received = append(received, v)
	})
	unsubB := callbacks.Add(func(v int) {
		received = append(received, v*10)
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, received, []int{1, 10})

	unsubA()
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, received, []int{1, 10, 20})

	// removing twice is a no-op
	unsubA()
	unsubB()
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notified early")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("not notified")
	}

	// the channel is replaced after each notify
	notify = monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notified early")
	default:
	}
}
