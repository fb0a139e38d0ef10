package collab

import (
	"time"
)

// session state for one scan while it has at least one connected client.
// the authoritative copy lives in the SessionAuthority; clients hold
// advisory mirrors that are only durable once echoed back by the server.

const InitialVersion = int64(1)

type Collaborator struct {
	UserId         string `json:"userId"`
	Username       string `json:"username"`
	IsActive       bool   `json:"isActive"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

// exactly one lock per device id at a time
type DeviceLock struct {
	DeviceId string `json:"deviceId"`
	UserId   string `json:"userId"`
	Username string `json:"username"`
	LockedAt int64  `json:"lockedAt"`
}

// ephemeral, relayed only, expires client side after TypingIndicatorTtl
type TypingIndicator struct {
	UserId    string `json:"userId"`
	Username  string `json:"username"`
	DeviceId  string `json:"deviceId"`
	Field     string `json:"field"`
	Timestamp int64  `json:"timestamp"`
}

type typingKey struct {
	userId   string
	deviceId string
	field    string
}

// ephemeral, keyed by user id, overwritten on each update
type CursorPosition struct {
	UserId    string         `json:"userId"`
	Username  string         `json:"username"`
	DeviceId  string         `json:"deviceId"`
	Position  map[string]any `json:"position"`
	Timestamp int64          `json:"timestamp"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
