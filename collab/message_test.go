package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMessageCodec(t *testing.T) {
	isTyping := true
	messages := []*Message{
		{
			Type: MessageTypeSessionData,
			Users: []*Collaborator{
				{UserId: "u1", Username: "alice", IsActive: true},
			},
			Locks: []*DeviceLock{
				{DeviceId: "10.0.0.5", UserId: "u1", Username: "alice", LockedAt: 1000},
			},
			Version: 1,
		},
		{
			Type: MessageTypeUserJoined,
			User: &Collaborator{UserId: "u2", Username: "bob", IsActive: true},
		},
		{
			Type:      MessageTypeDeviceLock,
			DeviceId:  "10.0.0.5",
			Timestamp: 1000,
		},
		{
			Type:     MessageTypeDeviceLockFailed,
			DeviceId: "10.0.0.5",
			Reason:   "locked by alice",
		},
		{
			Type:      MessageTypeDeviceUpdated,
			DeviceId:  "10.0.0.5",
			Changes:   map[string]any{"notes": "rebooted"},
			UserId:    "u1",
			Username:  "alice",
			Version:   2,
			Timestamp: 1000,
		},
		{
			Type:      MessageTypeTypingIndicator,
			DeviceId:  "10.0.0.5",
			Field:     "notes",
			IsTyping:  &isTyping,
			Timestamp: 1000,
		},
		{
			Type: MessageTypePing,
		},
		{
			Type:  MessageTypeError,
			Error: "bad message",
		},
	}

	for _, message := range messages {
		messageBytes, err := EncodeMessage(message)
		assert.Equal(t, err, nil)

		decoded, err := DecodeMessage(messageBytes)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded.Type, message.Type)
		assert.Equal(t, decoded.DeviceId, message.DeviceId)
		assert.Equal(t, decoded.Version, message.Version)
	}
}

func TestMessageValidation(t *testing.T) {
	// missing required fields per type
	badMessages := []*Message{
		{Type: MessageTypeSessionData},
		{Type: MessageTypeUserJoined},
		{Type: MessageTypeUserJoined, User: &Collaborator{Username: "alice"}},
		{Type: MessageTypeDeviceLock},
		{Type: MessageTypeDeviceLocked, DeviceId: "10.0.0.5"},
		{Type: MessageTypeDeviceLockFailed, DeviceId: "10.0.0.5"},
		{Type: MessageTypeDeviceUpdate, DeviceId: "10.0.0.5"},
		{Type: MessageTypeDeviceUpdate, Changes: map[string]any{"a": 1}},
		{Type: MessageTypeDeviceUpdated, DeviceId: "10.0.0.5", Changes: map[string]any{"a": 1}, UserId: "u1"},
		{Type: MessageTypeScanUpdate},
		{Type: MessageTypeCursorPosition, DeviceId: "10.0.0.5"},
		{Type: MessageTypeTypingIndicator, DeviceId: "10.0.0.5", Field: "notes"},
		// timestamps are required on lock, update and presence traffic
		{Type: MessageTypeDeviceLock, DeviceId: "10.0.0.5"},
		{Type: MessageTypeDeviceUnlock, DeviceId: "10.0.0.5"},
		{Type: MessageTypeDeviceUpdate, DeviceId: "10.0.0.5", Changes: map[string]any{"a": 1}},
		{Type: MessageTypeDeviceUpdated, DeviceId: "10.0.0.5", Changes: map[string]any{"a": 1}, UserId: "u1", Version: 2},
		{Type: MessageTypeCursorPosition, DeviceId: "10.0.0.5", Position: map[string]any{"x": 1.0}},
		{Type: MessageTypeTypingIndicator, DeviceId: "10.0.0.5", Field: "notes", IsTyping: boolPtr(true)},
		{Type: MessageTypeError},
		{Type: MessageType("bogus")},
		{},
	}

	for _, message := range badMessages {
		_, err := EncodeMessage(message)
		assert.NotEqual(t, err, nil)
	}

	_, err := DecodeMessage([]byte(`{"type":"device_lock"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`{"type":"device_lock","deviceId":"10.0.0.5","timestamp":1}`))
	assert.Equal(t, err, nil)
}
