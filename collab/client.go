package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	LockRequestTimeout    time.Duration
	TypingIndicatorTtl    time.Duration
	PresenceSweepInterval time.Duration
	ChannelSettings       *ChannelSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		LockRequestTimeout:    10 * time.Second,
		TypingIndicatorTtl:    3 * time.Second,
		PresenceSweepInterval: 1 * time.Second,
		ChannelSettings:       DefaultChannelSettings(),
	}
}

// Client drives one collaboration session for one scan. it owns the
// channel, mirrors the session state, and correlates lock requests.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity *Identity
	scanId   string

	settings *ClientSettings

	channel      *Channel
	mirror       *SessionMirror
	pendingLocks *pendingLockTable
}

func NewClientWithDefaults(
	ctx context.Context,
	collabUrl string,
	scanId string,
	token string,
) (*Client, error) {
	return NewClient(ctx, collabUrl, scanId, token, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	collabUrl string,
	scanId string,
	token string,
	settings *ClientSettings,
) (*Client, error) {
	identity, err := ParseIdentityUnverified(token)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		identity:     identity,
		scanId:       scanId,
		settings:     settings,
		mirror:       NewSessionMirror(),
		pendingLocks: newPendingLockTable(),
	}
	client.channel = NewChannel(cancelCtx, collabUrl, scanId, token, settings.ChannelSettings)
	client.channel.AddReceiveCallback(client.receive)
	client.channel.AddStatusCallback(client.connectionStatus)
	go client.runPresenceSweep()
	return client, nil
}

func (self *Client) Identity() *Identity {
	return self.identity
}

func (self *Client) ScanId() string {
	return self.scanId
}

func (self *Client) Mirror() *SessionMirror {
	return self.mirror
}

func (self *Client) ConnectionStatus() ConnectionStatus {
	return self.channel.Status()
}

func (self *Client) AddStatusCallback(callback StatusFunction) func() {
	return self.channel.AddStatusCallback(callback)
}

func (self *Client) receive(messageBytes []byte) {
	message, err := DecodeMessage(messageBytes)
	if err != nil {
		glog.Infof("[c]malformed message = %s\n", err)
		return
	}

	switch message.Type {
	case MessageTypeDeviceLocked:
		self.mirror.Apply(message)
		// only a grant for this user resolves this user's request
		if message.UserId == self.identity.UserId {
			self.pendingLocks.resolve(message.DeviceId, &LockResult{
				Granted: true,
			})
		}
	case MessageTypeDeviceLockFailed:
		self.pendingLocks.resolve(message.DeviceId, &LockResult{
			Granted: false,
			Reason:  message.Reason,
		})
	case MessageTypeError:
		glog.Infof("[c]server error = %s\n", message.Error)
	default:
		self.mirror.Apply(message)
	}
}

func (self *Client) connectionStatus(status ConnectionStatus) {
	if status != ConnectionStatusConnected {
		// no response is coming over a dead connection
		self.pendingLocks.failAll("connection closed")
	}
}

// LockDevice requests the exclusive right to edit one device. denial is
// returned as Granted=false with a reason, not as an error. the call
// fails fast when disconnected and times out after LockRequestTimeout.
func (self *Client) LockDevice(ctx context.Context, deviceId string) (*LockResult, error) {
	if !self.channel.IsOpen() {
		return nil, ErrNotConnected
	}

	pending := self.pendingLocks.open(deviceId)

	message := &Message{
		Type:      MessageTypeDeviceLock,
		DeviceId:  deviceId,
		Timestamp: nowMillis(),
	}
	if err := self.channel.Send(message); err != nil {
		self.pendingLocks.remove(pending)
		return nil, err
	}

	select {
	case <-self.ctx.Done():
		self.pendingLocks.remove(pending)
		return &LockResult{Granted: false, Reason: "client closed"}, nil
	case <-ctx.Done():
		self.pendingLocks.remove(pending)
		return nil, ctx.Err()
	case result := <-pending.result:
		return result, nil
	case <-time.After(self.settings.LockRequestTimeout):
		self.pendingLocks.remove(pending)
		return nil, ErrLockTimeout
	}
}

// UnlockDevice is fire and forget. the server ignores unlock requests
// for locks this user does not own.
func (self *Client) UnlockDevice(deviceId string) error {
	return self.channel.Send(&Message{
		Type:      MessageTypeDeviceUnlock,
		DeviceId:  deviceId,
		Timestamp: nowMillis(),
	})
}

func (self *Client) IsLocked(deviceId string) bool {
	_, ok := self.mirror.LockForDevice(deviceId)
	return ok
}

func (self *Client) IsLockedByMe(deviceId string) bool {
	lock, ok := self.mirror.LockForDevice(deviceId)
	return ok && lock.UserId == self.identity.UserId
}

func (self *Client) IsLockedByOther(deviceId string) bool {
	lock, ok := self.mirror.LockForDevice(deviceId)
	return ok && lock.UserId != self.identity.UserId
}

func (self *Client) Close() {
	self.cancel()
	self.pendingLocks.failAll("client closed")
}
