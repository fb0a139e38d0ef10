package collab

import (
	"encoding/json"
	"fmt"
)

// flat json envelope discriminated by `type`.
// the set of types is closed; decode rejects anything else.

type MessageType string

const (
	MessageTypeSessionData      MessageType = "session_data"
	MessageTypeUserJoined       MessageType = "user_joined"
	MessageTypeUserLeft         MessageType = "user_left"
	MessageTypeDeviceLock       MessageType = "device_lock"
	MessageTypeDeviceLocked     MessageType = "device_locked"
	MessageTypeDeviceLockFailed MessageType = "device_lock_failed"
	MessageTypeDeviceUnlock     MessageType = "device_unlock"
	MessageTypeDeviceUnlocked   MessageType = "device_unlocked"
	MessageTypeDeviceUpdate     MessageType = "device_update"
	MessageTypeDeviceUpdated    MessageType = "device_updated"
	MessageTypeScanUpdate       MessageType = "scan_update"
	MessageTypeScanUpdated      MessageType = "scan_updated"
	MessageTypeCursorPosition   MessageType = "cursor_position"
	MessageTypeTypingIndicator  MessageType = "typing_indicator"
	MessageTypePing             MessageType = "ping"
	MessageTypeError            MessageType = "error"
)

type Message struct {
	Type MessageType `json:"type"`

	DeviceId  string          `json:"deviceId,omitempty"`
	UserId    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Changes   map[string]any  `json:"changes,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Users     []*Collaborator `json:"users,omitempty"`
	Locks     []*DeviceLock   `json:"locks,omitempty"`
	User      *Collaborator   `json:"user,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Position  map[string]any  `json:"position,omitempty"`
	Field     string          `json:"field,omitempty"`
	IsTyping  *bool           `json:"isTyping,omitempty"`
	Error     string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	return message, nil
}

func validateMessage(message *Message) error {
	switch message.Type {
	case MessageTypeSessionData:
		// users and locks may be empty but version starts at 1
		if message.Version < InitialVersion {
			return malformed(message, "version")
		}
	case MessageTypeUserJoined, MessageTypeUserLeft:
		if message.User == nil || message.User.UserId == "" {
			return malformed(message, "user")
		}
	case MessageTypeDeviceUnlocked:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
	case MessageTypeDeviceLock, MessageTypeDeviceUnlock:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Timestamp == 0 {
			return malformed(message, "timestamp")
		}
	case MessageTypeDeviceLocked:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.UserId == "" {
			return malformed(message, "userId")
		}
	case MessageTypeDeviceLockFailed:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Reason == "" {
			return malformed(message, "reason")
		}
	case MessageTypeDeviceUpdate:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Changes == nil {
			return malformed(message, "changes")
		}
		if message.Timestamp == 0 {
			return malformed(message, "timestamp")
		}
	case MessageTypeDeviceUpdated:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Changes == nil {
			return malformed(message, "changes")
		}
		if message.UserId == "" {
			return malformed(message, "userId")
		}
		if message.Version < InitialVersion {
			return malformed(message, "version")
		}
		if message.Timestamp == 0 {
			return malformed(message, "timestamp")
		}
	case MessageTypeScanUpdate:
		if message.Changes == nil {
			return malformed(message, "changes")
		}
	case MessageTypeScanUpdated:
		if message.Changes == nil {
			return malformed(message, "changes")
		}
		if message.Version < InitialVersion {
			return malformed(message, "version")
		}
	case MessageTypeCursorPosition:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Position == nil {
			return malformed(message, "position")
		}
		if message.Timestamp == 0 {
			return malformed(message, "timestamp")
		}
	case MessageTypeTypingIndicator:
		if message.DeviceId == "" {
			return malformed(message, "deviceId")
		}
		if message.Field == "" {
			return malformed(message, "field")
		}
		if message.IsTyping == nil {
			return malformed(message, "isTyping")
		}
		if message.Timestamp == 0 {
			return malformed(message, "timestamp")
		}
	case MessageTypePing:
	case MessageTypeError:
		if message.Error == "" {
			return malformed(message, "message")
		}
	default:
		return fmt.Errorf("unknown message type %q", message.Type)
	}
	return nil
}

func malformed(message *Message, field string) error {
	return fmt.Errorf("%s missing required field %s", message.Type, field)
}
