package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a remote mutation confirmed by the server. DeviceId is empty for scan
// level updates.
type RemoteUpdate struct {
	DeviceId  string
	Changes   map[string]any
	UserId    string
	Username  string
	Version   int64
	Timestamp int64
}

type RosterChangeFunction func(collaborators []*Collaborator)
type LockChangeFunction func(locks []*DeviceLock)
type UpdateFunction func(update *RemoteUpdate)
type PresenceChangeFunction func()

// SessionMirror is the client side cache of one session. it is rebuilt
// wholesale from `session_data` on every (re)connect and updated
// incrementally from server pushes. application code never mutates it
// directly.
type SessionMirror struct {
	mutex sync.Mutex

	version       int64
	collaborators map[string]*Collaborator
	locks         map[string]*DeviceLock
	typing        map[typingKey]*TypingIndicator
	cursors       map[string]*CursorPosition

	rosterCallbacks   *CallbackList[RosterChangeFunction]
	lockCallbacks     *CallbackList[LockChangeFunction]
	updateCallbacks   *CallbackList[UpdateFunction]
	presenceCallbacks *CallbackList[PresenceChangeFunction]
}

func NewSessionMirror() *SessionMirror {
	return &SessionMirror{
		version:           0,
		collaborators:     map[string]*Collaborator{},
		locks:             map[string]*DeviceLock{},
		typing:            map[typingKey]*TypingIndicator{},
		cursors:           map[string]*CursorPosition{},
		rosterCallbacks:   NewCallbackList[RosterChangeFunction](),
		lockCallbacks:     NewCallbackList[LockChangeFunction](),
		updateCallbacks:   NewCallbackList[UpdateFunction](),
		presenceCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
}

func (self *SessionMirror) AddRosterCallback(callback RosterChangeFunction) func() {
	return self.rosterCallbacks.Add(callback)
}

func (self *SessionMirror) AddLockCallback(callback LockChangeFunction) func() {
	return self.lockCallbacks.Add(callback)
}

func (self *SessionMirror) AddUpdateCallback(callback UpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *SessionMirror) AddPresenceCallback(callback PresenceChangeFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

// Apply routes one server push into the mirror. unknown pushes are
// ignored so that newer servers do not break older clients.
func (self *SessionMirror) Apply(message *Message) {
	switch message.Type {
	case MessageTypeSessionData:
		self.applySessionData(message)
	case MessageTypeUserJoined:
		self.applyUserJoined(message)
	case MessageTypeUserLeft:
		self.applyUserLeft(message)
	case MessageTypeDeviceLocked:
		self.applyDeviceLocked(message)
	case MessageTypeDeviceUnlocked:
		self.applyDeviceUnlocked(message)
	case MessageTypeDeviceUpdated, MessageTypeScanUpdated:
		self.applyUpdated(message)
	case MessageTypeCursorPosition:
		self.applyCursorPosition(message)
	case MessageTypeTypingIndicator:
		self.applyTypingIndicator(message)
	}
}

// session_data is the only message allowed to replace the mirror
// wholesale. roster, lock table and version are taken verbatim.
func (self *SessionMirror) applySessionData(message *Message) {
	self.mutex.Lock()
	self.collaborators = map[string]*Collaborator{}
	for _, collaborator := range message.Users {
		self.collaborators[collaborator.UserId] = collaborator
	}
	self.locks = map[string]*DeviceLock{}
	for _, lock := range message.Locks {
		self.locks[lock.DeviceId] = lock
	}
	self.version = message.Version
	self.typing = map[typingKey]*TypingIndicator{}
	self.cursors = map[string]*CursorPosition{}
	self.mutex.Unlock()

	self.notifyRoster()
	self.notifyLocks()
	self.notifyPresence()
}

func (self *SessionMirror) applyUserJoined(message *Message) {
	self.mutex.Lock()
	self.collaborators[message.User.UserId] = message.User
	self.mutex.Unlock()

	self.notifyRoster()
}

func (self *SessionMirror) applyUserLeft(message *Message) {
	self.mutex.Lock()
	userId := message.User.UserId
	delete(self.collaborators, userId)
	// a left user takes their presence with them
	delete(self.cursors, userId)
	for key := range self.typing {
		if key.userId == userId {
			delete(self.typing, key)
		}
	}
	self.mutex.Unlock()

	self.notifyRoster()
	self.notifyPresence()
}

func (self *SessionMirror) applyDeviceLocked(message *Message) {
	self.mutex.Lock()
	self.locks[message.DeviceId] = &DeviceLock{
		DeviceId: message.DeviceId,
		UserId:   message.UserId,
		Username: message.Username,
		LockedAt: message.Timestamp,
	}
	self.mutex.Unlock()

	self.notifyLocks()
}

func (self *SessionMirror) applyDeviceUnlocked(message *Message) {
	self.mutex.Lock()
	delete(self.locks, message.DeviceId)
	self.mutex.Unlock()

	self.notifyLocks()
}

func (self *SessionMirror) applyUpdated(message *Message) {
	self.mutex.Lock()
	// tolerate duplicates and reordering by taking the max, never regress
	if message.Version <= self.version {
		self.mutex.Unlock()
		return
	}
	self.version = message.Version
	self.mutex.Unlock()

	update := &RemoteUpdate{
		DeviceId:  message.DeviceId,
		Changes:   message.Changes,
		UserId:    message.UserId,
		Username:  message.Username,
		Version:   message.Version,
		Timestamp: message.Timestamp,
	}
	for _, callback := range self.updateCallbacks.Get() {
		callback(update)
	}
}

func (self *SessionMirror) applyCursorPosition(message *Message) {
	self.mutex.Lock()
	self.cursors[message.UserId] = &CursorPosition{
		UserId:    message.UserId,
		Username:  message.Username,
		DeviceId:  message.DeviceId,
		Position:  message.Position,
		Timestamp: message.Timestamp,
	}
	self.mutex.Unlock()

	self.notifyPresence()
}

func (self *SessionMirror) applyTypingIndicator(message *Message) {
	key := typingKey{
		userId:   message.UserId,
		deviceId: message.DeviceId,
		field:    message.Field,
	}

	self.mutex.Lock()
	if message.IsTyping != nil && *message.IsTyping {
		self.typing[key] = &TypingIndicator{
			UserId:    message.UserId,
			Username:  message.Username,
			DeviceId:  message.DeviceId,
			Field:     message.Field,
			Timestamp: nowMillis(),
		}
	} else {
		delete(self.typing, key)
	}
	self.mutex.Unlock()

	self.notifyPresence()
}

// SweepTyping drops indicators older than ttl. the client runs this on a
// timer so a missed "stopped typing" signal cannot pin an indicator.
func (self *SessionMirror) SweepTyping(ttl time.Duration) {
	minTimestamp := time.Now().Add(-ttl).UnixMilli()

	self.mutex.Lock()
	swept := false
	for key, indicator := range self.typing {
		if indicator.Timestamp < minTimestamp {
			delete(self.typing, key)
			swept = true
		}
	}
	self.mutex.Unlock()

	if swept {
		self.notifyPresence()
	}
}

func (self *SessionMirror) Version() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.version
}

func (self *SessionMirror) Collaborators() []*Collaborator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return sortedCollaborators(self.collaborators)
}

func (self *SessionMirror) Locks() []*DeviceLock {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return sortedLocks(self.locks)
}

func (self *SessionMirror) LockForDevice(deviceId string) (*DeviceLock, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	lock, ok := self.locks[deviceId]
	return lock, ok
}

func (self *SessionMirror) TypingIndicators() []*TypingIndicator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.typing)
}

func (self *SessionMirror) CursorPositions() []*CursorPosition {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.cursors)
}

func (self *SessionMirror) notifyRoster() {
	collaborators := self.Collaborators()
	for _, callback := range self.rosterCallbacks.Get() {
		callback(collaborators)
	}
}

func (self *SessionMirror) notifyLocks() {
	locks := self.Locks()
	for _, callback := range self.lockCallbacks.Get() {
		callback(locks)
	}
}

func (self *SessionMirror) notifyPresence() {
	for _, callback := range self.presenceCallbacks.Get() {
		callback()
	}
}

func sortedCollaborators(collaborators map[string]*Collaborator) []*Collaborator {
	out := maps.Values(collaborators)
	slices.SortFunc(out, func(a *Collaborator, b *Collaborator) int {
		switch {
		case a.UserId < b.UserId:
			return -1
		case b.UserId < a.UserId:
			return 1
		default:
			return 0
		}
	})
	return out
}

func sortedLocks(locks map[string]*DeviceLock) []*DeviceLock {
	out := maps.Values(locks)
	slices.SortFunc(out, func(a *DeviceLock, b *DeviceLock) int {
		switch {
		case a.DeviceId < b.DeviceId:
			return -1
		case b.DeviceId < a.DeviceId:
			return 1
		default:
			return 0
		}
	})
	return out
}
