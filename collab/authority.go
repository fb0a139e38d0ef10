package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const SessionConnBufferSize = 32

type AuthoritySettings struct {
	// locks older than this are released even if the transport never
	// notices the holder is gone
	LockStaleTimeout time.Duration
	SweepInterval    time.Duration
	// an empty session is retained briefly to survive quick reconnects
	EmptyLinger time.Duration
	// when set, device updates from a connection whose user does not
	// hold the device lock are rejected instead of applied
	StrictLockUpdates bool
}

func DefaultAuthoritySettings() *AuthoritySettings {
	return &AuthoritySettings{
		LockStaleTimeout:  5 * time.Minute,
		SweepInterval:     5 * time.Second,
		EmptyLinger:       30 * time.Second,
		StrictLockUpdates: false,
	}
}

// one server side websocket connection as the authority sees it.
// outbound messages are drained by the service write pump via Receive.
type SessionConn struct {
	connectionId Id
	identity     *Identity

	session *sessionAuthority

	sendMutex sync.Mutex
	closed    bool
	receive   chan *Message
}

func newSessionConn(identity *Identity) *SessionConn {
	return &SessionConn{
		connectionId: NewId(),
		identity:     identity,
		receive:      make(chan *Message, SessionConnBufferSize),
	}
}

func (self *SessionConn) ConnectionId() Id {
	return self.connectionId
}

func (self *SessionConn) Identity() *Identity {
	return self.identity
}

// Receive is closed when the connection leaves the session.
func (self *SessionConn) Receive() <-chan *Message {
	return self.receive
}

// non-blocking. a consumer that cannot keep up loses pushes rather than
// stalling the session for everyone else.
func (self *SessionConn) offer(message *Message) {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	if self.closed {
		return
	}
	select {
	case self.receive <- message:
	default:
		glog.Infof("[a]drop %s-> %s\n", message.Type, self.identity.UserId)
	}
}

func (self *SessionConn) close() {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	if self.closed {
		return
	}
	self.closed = true
	close(self.receive)
}

// Authority owns every active session. all mutating operations for one
// scan are serialized under that session's mutex; different scans
// proceed in parallel.
type Authority struct {
	ctx    context.Context
	cancel context.CancelFunc

	store ResourceStore

	settings *AuthoritySettings

	mutex    sync.Mutex
	sessions map[string]*sessionAuthority
}

func NewAuthorityWithDefaults(ctx context.Context, store ResourceStore) *Authority {
	return NewAuthority(ctx, store, DefaultAuthoritySettings())
}

func NewAuthority(ctx context.Context, store ResourceStore, settings *AuthoritySettings) *Authority {
	cancelCtx, cancel := context.WithCancel(ctx)
	authority := &Authority{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		sessions: map[string]*sessionAuthority{},
	}
	go authority.run()
	return authority
}

// Connect admits a verified identity into the session for one scan.
// joining is implicit: there is no join message. the snapshot is queued
// to the new connection before any subsequent push.
func (self *Authority) Connect(scanId string, identity *Identity) *SessionConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[scanId]
	if !ok {
		session = newSessionAuthority(scanId, self.store, self.settings)
		self.sessions[scanId] = session
	}

	conn := newSessionConn(identity)
	conn.session = session
	session.join(conn)
	return conn
}

func (self *Authority) Disconnect(conn *SessionConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conn.session.leave(conn)
}

func (self *Authority) HandleMessage(conn *SessionConn, message *Message) {
	conn.session.handleMessage(conn, message)
}

func (self *Authority) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions)
}

func (self *Authority) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}

		now := time.Now()
		self.mutex.Lock()
		for scanId, session := range self.sessions {
			if session.sweep(now) {
				delete(self.sessions, scanId)
			}
		}
		self.mutex.Unlock()
	}
}

func (self *Authority) Close() {
	self.cancel()
}

// sessionAuthority is the single owner of one scan's collaboration
// state: roster, lock table and version counter. every read and write
// happens under its mutex.
type sessionAuthority struct {
	scanId string

	store ResourceStore

	settings *AuthoritySettings

	mutex   sync.Mutex
	version int64
	conns   map[Id]*SessionConn
	locks   map[string]*DeviceLock
	// last inbound activity of each lock's holder, keyed by device id
	lockActivity map[string]int64
	// zero while the session has connections
	emptyAt time.Time
}

func newSessionAuthority(scanId string, store ResourceStore, settings *AuthoritySettings) *sessionAuthority {
	return &sessionAuthority{
		scanId:       scanId,
		store:        store,
		settings:     settings,
		version:      InitialVersion,
		conns:        map[Id]*SessionConn{},
		locks:        map[string]*DeviceLock{},
		lockActivity: map[string]int64{},
	}
}

func (self *sessionAuthority) join(conn *SessionConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	firstForUser := self.userConnCount(conn.identity.UserId) == 0

	self.conns[conn.connectionId] = conn
	self.emptyAt = time.Time{}

	conn.offer(&Message{
		Type:    MessageTypeSessionData,
		Users:   self.roster(),
		Locks:   sortedLocks(self.locks),
		Version: self.version,
	})

	if firstForUser {
		self.broadcastExcept(conn, &Message{
			Type: MessageTypeUserJoined,
			User: self.collaborator(conn, true),
		})
	}

	glog.V(1).Infof("[a]%s join %s (%d conns)\n", self.scanId, conn.identity.UserId, len(self.conns))
}

func (self *sessionAuthority) leave(conn *SessionConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.conns[conn.connectionId]; !ok {
		return
	}
	delete(self.conns, conn.connectionId)
	conn.close()

	// a disconnect releases every lock the user held, unless another of
	// their connections remains
	if self.userConnCount(conn.identity.UserId) == 0 {
		for deviceId, lock := range self.locks {
			if lock.UserId == conn.identity.UserId {
				delete(self.locks, deviceId)
				delete(self.lockActivity, deviceId)
				self.broadcast(&Message{
					Type:     MessageTypeDeviceUnlocked,
					DeviceId: deviceId,
				})
			}
		}

		self.broadcastExcept(conn, &Message{
			Type: MessageTypeUserLeft,
			User: self.collaborator(conn, false),
		})
	}

	if len(self.conns) == 0 {
		self.emptyAt = time.Now()
	}

	glog.V(1).Infof("[a]%s leave %s (%d conns)\n", self.scanId, conn.identity.UserId, len(self.conns))
}

func (self *sessionAuthority) handleMessage(conn *SessionConn, message *Message) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.conns[conn.connectionId]; !ok {
		// already evicted
		return
	}

	// any message from a holder keeps their locks fresh. clients ping on
	// an idle connection, so only a holder whose client went silent past
	// the stale timeout loses the lock.
	for deviceId, lock := range self.locks {
		if lock.UserId == conn.identity.UserId {
			self.lockActivity[deviceId] = nowMillis()
		}
	}

	switch message.Type {
	case MessageTypeDeviceLock:
		self.handleDeviceLock(conn, message)
	case MessageTypeDeviceUnlock:
		self.handleDeviceUnlock(conn, message)
	case MessageTypeDeviceUpdate:
		self.handleDeviceUpdate(conn, message)
	case MessageTypeScanUpdate:
		self.handleScanUpdate(conn, message)
	case MessageTypeCursorPosition, MessageTypeTypingIndicator:
		self.handlePresence(conn, message)
	case MessageTypePing:
	default:
		conn.offer(&Message{
			Type:  MessageTypeError,
			Error: fmt.Sprintf("unexpected message type %q", message.Type),
		})
	}
}

func (self *sessionAuthority) handleDeviceLock(conn *SessionConn, message *Message) {
	lock, ok := self.locks[message.DeviceId]
	if ok && lock.UserId != conn.identity.UserId {
		// denial goes to the requester only
		conn.offer(&Message{
			Type:     MessageTypeDeviceLockFailed,
			DeviceId: message.DeviceId,
			Reason:   fmt.Sprintf("locked by %s", lock.Username),
		})
		return
	}

	if !ok {
		lock = &DeviceLock{
			DeviceId: message.DeviceId,
			UserId:   conn.identity.UserId,
			Username: conn.identity.Username,
			LockedAt: nowMillis(),
		}
		self.locks[message.DeviceId] = lock
		self.lockActivity[message.DeviceId] = lock.LockedAt
	}
	// re-locking an owned lock is idempotent success, never a denial

	self.broadcast(&Message{
		Type:      MessageTypeDeviceLocked,
		DeviceId:  lock.DeviceId,
		UserId:    lock.UserId,
		Username:  lock.Username,
		Timestamp: lock.LockedAt,
	})
}

func (self *sessionAuthority) handleDeviceUnlock(conn *SessionConn, message *Message) {
	lock, ok := self.locks[message.DeviceId]
	if !ok {
		return
	}
	if lock.UserId != conn.identity.UserId {
		// only the owner may unlock
		glog.V(1).Infof("[a]%s unlock %s denied for %s\n", self.scanId, message.DeviceId, conn.identity.UserId)
		return
	}
	delete(self.locks, message.DeviceId)
	delete(self.lockActivity, message.DeviceId)
	self.broadcast(&Message{
		Type:     MessageTypeDeviceUnlocked,
		DeviceId: message.DeviceId,
	})
}

// updates are accepted regardless of the version the submitter observed.
// the session applies, bumps the version by exactly one, and the echo to
// the submitter is its durable confirmation.
func (self *sessionAuthority) handleDeviceUpdate(conn *SessionConn, message *Message) {
	if self.settings.StrictLockUpdates {
		lock, ok := self.locks[message.DeviceId]
		if !ok || lock.UserId != conn.identity.UserId {
			conn.offer(&Message{
				Type:  MessageTypeError,
				Error: fmt.Sprintf("device %s is not locked by %s", message.DeviceId, conn.identity.Username),
			})
			return
		}
	}

	if err := self.store.ApplyDeviceUpdate(context.Background(), self.scanId, message.DeviceId, message.Changes); err != nil {
		glog.Infof("[a]%s store error = %s\n", self.scanId, err)
	}

	self.version += 1
	self.broadcast(&Message{
		Type:      MessageTypeDeviceUpdated,
		DeviceId:  message.DeviceId,
		Changes:   message.Changes,
		UserId:    conn.identity.UserId,
		Username:  conn.identity.Username,
		Version:   self.version,
		Timestamp: nowMillis(),
	})
}

func (self *sessionAuthority) handleScanUpdate(conn *SessionConn, message *Message) {
	if err := self.store.ApplyScanUpdate(context.Background(), self.scanId, message.Changes); err != nil {
		glog.Infof("[a]%s store error = %s\n", self.scanId, err)
	}

	self.version += 1
	self.broadcast(&Message{
		Type:      MessageTypeScanUpdated,
		Changes:   message.Changes,
		UserId:    conn.identity.UserId,
		Username:  conn.identity.Username,
		Version:   self.version,
		Timestamp: nowMillis(),
	})
}

// presence is relayed verbatim to the other connections, stamped with
// the sender identity. nothing is stored.
func (self *sessionAuthority) handlePresence(conn *SessionConn, message *Message) {
	relay := *message
	relay.UserId = conn.identity.UserId
	relay.Username = conn.identity.Username
	self.broadcastExcept(conn, &relay)
}

// sweep releases stale locks and reports whether the session should be
// destroyed (empty past the linger).
func (self *sessionAuthority) sweep(now time.Time) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// staleness is measured from the holder's last inbound activity, not
	// from when the lock was taken. an active holder is never swept.
	minActivity := now.Add(-self.settings.LockStaleTimeout).UnixMilli()
	for deviceId, lock := range self.locks {
		if self.lockActivity[deviceId] < minActivity {
			glog.Infof("[a]%s release stale lock %s (%s)\n", self.scanId, deviceId, lock.Username)
			delete(self.locks, deviceId)
			delete(self.lockActivity, deviceId)
			self.broadcast(&Message{
				Type:     MessageTypeDeviceUnlocked,
				DeviceId: deviceId,
			})
		}
	}

	if len(self.conns) == 0 && !self.emptyAt.IsZero() {
		if self.settings.EmptyLinger <= now.Sub(self.emptyAt) {
			return true
		}
	}
	return false
}

func (self *sessionAuthority) userConnCount(userId string) int {
	count := 0
	for _, conn := range self.conns {
		if conn.identity.UserId == userId {
			count += 1
		}
	}
	return count
}

func (self *sessionAuthority) collaborator(conn *SessionConn, isActive bool) *Collaborator {
	return &Collaborator{
		UserId:         conn.identity.UserId,
		Username:       conn.identity.Username,
		IsActive:       isActive,
		LastActivityAt: nowMillis(),
	}
}

func (self *sessionAuthority) roster() []*Collaborator {
	collaborators := map[string]*Collaborator{}
	for _, conn := range self.conns {
		collaborators[conn.identity.UserId] = self.collaborator(conn, true)
	}
	return sortedCollaborators(collaborators)
}

func (self *sessionAuthority) broadcast(message *Message) {
	for _, conn := range self.conns {
		conn.offer(message)
	}
}

func (self *sessionAuthority) broadcastExcept(except *SessionConn, message *Message) {
	for connectionId, conn := range self.conns {
		if connectionId == except.connectionId {
			continue
		}
		conn.offer(message)
	}
}
