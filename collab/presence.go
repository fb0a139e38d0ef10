package collab

import (
	"time"
)

// presence is fire and forget. the server relays it verbatim and stores
// nothing, so the client sweeps its own mirror to expire indicators
// whose "stopped typing" signal was lost.

func (self *Client) SetCursorPosition(deviceId string, position map[string]any) error {
	if !self.channel.IsOpen() {
		return ErrNotConnected
	}
	return self.channel.Send(&Message{
		Type:      MessageTypeCursorPosition,
		DeviceId:  deviceId,
		Position:  position,
		Timestamp: nowMillis(),
	})
}

func (self *Client) SetTypingIndicator(deviceId string, field string, isTyping bool) error {
	if !self.channel.IsOpen() {
		return ErrNotConnected
	}
	return self.channel.Send(&Message{
		Type:      MessageTypeTypingIndicator,
		DeviceId:  deviceId,
		Field:     field,
		IsTyping:  &isTyping,
		Timestamp: nowMillis(),
	})
}

func (self *Client) runPresenceSweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PresenceSweepInterval):
			self.mirror.SweepTyping(self.settings.TypingIndicatorTtl)
		}
	}
}
