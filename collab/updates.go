package collab

import (
	"fmt"
)

// field level edits are optimistic: the submitter tags the update with
// its last observed version and treats the server echo (carrying the
// bumped version) as the durable confirmation. a locally applied change
// is advisory until that echo arrives through the mirror.

// UpdateDevice submits field changes for one locked device. edits while
// disconnected are rejected locally and never reach the wire.
func (self *Client) UpdateDevice(deviceId string, changes map[string]any) error {
	if !self.channel.IsOpen() {
		return ErrNotConnected
	}
	if !self.IsLockedByMe(deviceId) {
		return fmt.Errorf("device %s is not locked by %s", deviceId, self.identity.Username)
	}
	return self.channel.Send(&Message{
		Type:      MessageTypeDeviceUpdate,
		DeviceId:  deviceId,
		Changes:   changes,
		Version:   self.mirror.Version(),
		Timestamp: nowMillis(),
	})
}

// UpdateScan submits scan level changes, not scoped to a single device
// and not subject to any lock.
func (self *Client) UpdateScan(changes map[string]any) error {
	if !self.channel.IsOpen() {
		return ErrNotConnected
	}
	return self.channel.Send(&Message{
		Type:      MessageTypeScanUpdate,
		Changes:   changes,
		Version:   self.mirror.Version(),
		Timestamp: nowMillis(),
	})
}
