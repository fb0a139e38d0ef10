package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var testSecret = []byte("test-secret")

type testService struct {
	server    *httptest.Server
	wsUrl     string
	store     *MemoryStore
	authority *Authority
}

func startTestService(t *testing.T, ctx context.Context) *testService {
	t.Helper()

	store := NewMemoryStore()
	authority := NewAuthorityWithDefaults(ctx, store)
	service := NewServiceWithDefaults(ctx, authority, store, NewHmacIdentityVerifier(testSecret))

	router := mux.NewRouter()
	service.AttachRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(authority.Close)

	return &testService{
		server:    server,
		wsUrl:     "ws" + strings.TrimPrefix(server.URL, "http"),
		store:     store,
		authority: authority,
	}
}

func testToken(t *testing.T, userId string, username string) string {
	t.Helper()
	token, err := MintIdentityToken(testSecret, &Identity{UserId: userId, Username: username}, 1*time.Hour)
	assert.Equal(t, err, nil)
	return token
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ChannelSettings = testChannelSettings()
	return settings
}

func TestServiceCollaboration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := startTestService(t, ctx)

	clientA, err := NewClient(ctx, service.wsUrl, "scan-1", testToken(t, "u1", "alice"), testClientSettings())
	assert.Equal(t, err, nil)
	defer clientA.Close()

	// admission delivers the snapshot
	waitFor(t, "client a admitted", func() bool {
		return clientA.ConnectionStatus() == ConnectionStatusConnected &&
			clientA.Mirror().Version() == InitialVersion &&
			len(clientA.Mirror().Collaborators()) == 1
	})

	clientB, err := NewClient(ctx, service.wsUrl, "scan-1", testToken(t, "u2", "bob"), testClientSettings())
	assert.Equal(t, err, nil)
	defer clientB.Close()

	waitFor(t, "both mirrors show both users", func() bool {
		return len(clientA.Mirror().Collaborators()) == 2 &&
			len(clientB.Mirror().Collaborators()) == 2
	})

	// alice locks the device; everyone converges
	result, err := clientA.LockDevice(ctx, "10.0.0.5")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Granted, true)

	waitFor(t, "lock visible everywhere", func() bool {
		return clientA.IsLockedByMe("10.0.0.5") && clientB.IsLockedByOther("10.0.0.5")
	})

	// bob is denied with the holder's name
	result, err = clientB.LockDevice(ctx, "10.0.0.5")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Granted, false)
	assert.Equal(t, result.Reason, "locked by alice")

	// bob cannot edit what he does not hold
	err = clientB.UpdateDevice("10.0.0.5", map[string]any{"notes": "sneaky"})
	assert.NotEqual(t, err, nil)

	// alice edits and both mirrors converge on the bumped version
	err = clientA.UpdateDevice("10.0.0.5", map[string]any{"notes": "rebooted"})
	assert.Equal(t, err, nil)

	waitFor(t, "version 2 everywhere", func() bool {
		return clientA.Mirror().Version() == 2 && clientB.Mirror().Version() == 2
	})

	data, err := service.store.GetDevice(ctx, "scan-1", "10.0.0.5")
	assert.Equal(t, err, nil)
	assert.Equal(t, data["notes"], "rebooted")

	// alice disconnects without unlocking; the lock is released and bob
	// can take it
	clientA.Close()
	waitFor(t, "lock released", func() bool {
		return !clientB.IsLocked("10.0.0.5")
	})

	result, err = clientB.LockDevice(ctx, "10.0.0.5")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Granted, true)
}

func TestServiceScanUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := startTestService(t, ctx)

	client, err := NewClient(ctx, service.wsUrl, "scan-1", testToken(t, "u1", "alice"), testClientSettings())
	assert.Equal(t, err, nil)
	defer client.Close()

	waitFor(t, "client admitted", func() bool {
		return client.ConnectionStatus() == ConnectionStatusConnected &&
			client.Mirror().Version() == InitialVersion
	})

	// scan level updates are not scoped to a device and need no lock
	err = client.UpdateScan(map[string]any{"name": "office"})
	assert.Equal(t, err, nil)

	waitFor(t, "scan update echoed", func() bool {
		return client.Mirror().Version() == 2
	})

	// the accepted update is readable over the rest surface
	response, err := http.Get(fmt.Sprintf("%s/scans/%s", service.server.URL, "scan-1"))
	assert.Equal(t, err, nil)
	defer response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)

	data := map[string]any{}
	err = json.NewDecoder(response.Body).Decode(&data)
	assert.Equal(t, err, nil)
	assert.Equal(t, data["name"], "office")
}

func TestServiceRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := startTestService(t, ctx)

	response, err := http.Get(fmt.Sprintf("%s/collaboration?scanId=scan-1&token=bogus", service.server.URL))
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	response, err = http.Get(fmt.Sprintf("%s/collaboration", service.server.URL))
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)
}

func TestServiceMalformedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := startTestService(t, ctx)

	query := url.Values{}
	query.Set("scanId", "scan-1")
	query.Set("token", testToken(t, "u1", "alice"))
	ws, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/collaboration?%s", service.wsUrl, query.Encode()),
		nil,
	)
	assert.Equal(t, err, nil)
	defer ws.Close()

	readMessage := func() *Message {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, messageBytes, err := ws.ReadMessage()
		assert.Equal(t, err, nil)
		message, err := DecodeMessage(messageBytes)
		assert.Equal(t, err, nil)
		return message
	}

	message := readMessage()
	assert.Equal(t, message.Type, MessageTypeSessionData)

	// garbage gets an error reply and does not kill the session
	err = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"device_lock"}`))
	assert.Equal(t, err, nil)
	message = readMessage()
	assert.Equal(t, message.Type, MessageTypeError)
	assert.NotEqual(t, message.Error, "")

	// the connection still works
	lockBytes, err := EncodeMessage(&Message{
		Type:      MessageTypeDeviceLock,
		DeviceId:  "10.0.0.5",
		Timestamp: nowMillis(),
	})
	assert.Equal(t, err, nil)
	err = ws.WriteMessage(websocket.TextMessage, lockBytes)
	assert.Equal(t, err, nil)
	message = readMessage()
	assert.Equal(t, message.Type, MessageTypeDeviceLocked)
	assert.Equal(t, message.UserId, "u1")
}

func TestClientLockTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a server that admits but never answers lock requests
	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		sessionBytes, _ := EncodeMessage(&Message{
			Type:    MessageTypeSessionData,
			Version: 1,
		})
		ws.WriteMessage(websocket.TextMessage, sessionBytes)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	settings := testClientSettings()
	settings.LockRequestTimeout = 100 * time.Millisecond
	client, err := NewClient(ctx, wsUrl, "scan-1", testToken(t, "u1", "alice"), settings)
	assert.Equal(t, err, nil)
	defer client.Close()

	waitFor(t, "client connected", func() bool {
		return client.ConnectionStatus() == ConnectionStatusConnected
	})

	// a silent server is a timeout, which is distinct from a denial
	startTime := time.Now()
	_, err = client.LockDevice(ctx, "10.0.0.5")
	assert.Equal(t, err, ErrLockTimeout)
	assert.Equal(t, time.Since(startTime) < 5*time.Second, true)
}

func TestClientRejectsWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := startTestService(t, ctx)

	client, err := NewClient(ctx, service.wsUrl, "scan-1", testToken(t, "u1", "alice"), testClientSettings())
	assert.Equal(t, err, nil)

	waitFor(t, "client connected", func() bool {
		return client.ConnectionStatus() == ConnectionStatusConnected
	})

	client.Close()
	waitFor(t, "client closed", func() bool {
		return client.ConnectionStatus() == ConnectionStatusClosed
	})

	// edits and locks while disconnected never reach the wire
	_, err = client.LockDevice(ctx, "10.0.0.5")
	assert.Equal(t, err, ErrNotConnected)
	err = client.UpdateDevice("10.0.0.5", map[string]any{"notes": "offline"})
	assert.Equal(t, err, ErrNotConnected)
	err = client.UpdateScan(map[string]any{"name": "offline"})
	assert.Equal(t, err, ErrNotConnected)
	err = client.SetTypingIndicator("10.0.0.5", "notes", true)
	assert.Equal(t, err, ErrNotConnected)
}
