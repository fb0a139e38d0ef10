package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func testChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectMinDelay = 10 * time.Millisecond
	settings.ReconnectMaxDelay = 80 * time.Millisecond
	settings.MaxReconnectAttempts = 3
	return settings
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelBackoff(t *testing.T) {
	channel := &Channel{
		settings: DefaultChannelSettings(),
	}

	// 1s doubling per attempt, capped at 30s
	assert.Equal(t, channel.backoff(1), 1*time.Second)
	assert.Equal(t, channel.backoff(2), 2*time.Second)
	assert.Equal(t, channel.backoff(3), 4*time.Second)
	assert.Equal(t, channel.backoff(4), 8*time.Second)
	assert.Equal(t, channel.backoff(5), 16*time.Second)
	assert.Equal(t, channel.backoff(6), 30*time.Second)
	assert.Equal(t, channel.backoff(10), 30*time.Second)
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a listener that is already closed refuses every dial
	refusedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	refusedUrl := "ws" + strings.TrimPrefix(refusedServer.URL, "http")
	refusedServer.Close()

	channel := NewChannel(ctx, refusedUrl, "scan-1", "token", testChannelSettings())

	// a persistent failure surfaces as a terminal closed status instead
	// of an unbounded retry loop
	waitFor(t, "channel closed", func() bool {
		return channel.Status() == ConnectionStatusClosed
	})
	assert.Equal(t, channel.IsOpen(), false)

	err := channel.Send(&Message{Type: MessageTypePing})
	assert.NotEqual(t, err, nil)
}

func TestChannelReconnectsAfterAbnormalClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := &websocket.Upgrader{}
	var connCount atomic.Int64
	var connsMutex sync.Mutex
	conns := []*websocket.Conn{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connCount.Add(1) == 1 {
			// drop the first connection without a close frame
			ws.Close()
			return
		}
		connsMutex.Lock()
		conns = append(conns, ws)
		connsMutex.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	defer func() {
		connsMutex.Lock()
		for _, ws := range conns {
			ws.Close()
		}
		connsMutex.Unlock()
	}()

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewChannel(ctx, wsUrl, "scan-1", "token", testChannelSettings())
	defer channel.Close()

	// the abnormal close triggers the reconnect policy and the second
	// connection sticks
	waitFor(t, "channel reconnected", func() bool {
		return connCount.Load() == 2 && channel.Status() == ConnectionStatusConnected
	})
}

func TestChannelCloseDoesNotReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := &websocket.Upgrader{}
	var connCount atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCount.Add(1)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewChannel(ctx, wsUrl, "scan-1", "token", testChannelSettings())

	waitFor(t, "channel connected", func() bool {
		return channel.Status() == ConnectionStatusConnected
	})

	channel.Close()
	waitFor(t, "channel closed", func() bool {
		return channel.Status() == ConnectionStatusClosed
	})

	// a deliberate close never dials again
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, connCount.Load(), int64(1))

	err := channel.Send(&Message{Type: MessageTypePing})
	assert.NotEqual(t, err, nil)
}
