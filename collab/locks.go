package collab

import (
	"errors"
	"sync"
)

// lock denial is a business outcome, not an error. timeout is an error
// so that callers can tell "someone else is editing" apart from "server
// unreachable".
var ErrNotConnected = errors.New("not connected")
var ErrLockTimeout = errors.New("lock request timeout")

type LockResult struct {
	Granted bool
	// human readable, set when the lock was denied or dropped
	Reason string
}

type pendingLock struct {
	deviceId string
	result   chan *LockResult
}

func newPendingLock(deviceId string) *pendingLock {
	return &pendingLock{
		deviceId: deviceId,
		result:   make(chan *LockResult, 1),
	}
}

func (self *pendingLock) resolve(result *LockResult) {
	select {
	case self.result <- result:
	default:
		// already resolved
	}
}

// request/response correlation for lock requests, keyed by device id.
// a new request for the same device supersedes the outstanding entry.
// every entry is resolved exactly once: grant, denial, supersede,
// timeout cleanup, or connection loss. nothing is ever left hanging.
type pendingLockTable struct {
	mutex   sync.Mutex
	pending map[string]*pendingLock
}

func newPendingLockTable() *pendingLockTable {
	return &pendingLockTable{
		pending: map[string]*pendingLock{},
	}
}

func (self *pendingLockTable) open(deviceId string) *pendingLock {
	self.mutex.Lock()
	previous := self.pending[deviceId]
	pending := newPendingLock(deviceId)
	self.pending[deviceId] = pending
	self.mutex.Unlock()

	if previous != nil {
		previous.resolve(&LockResult{
			Granted: false,
			Reason:  "superseded by a newer request",
		})
	}
	return pending
}

func (self *pendingLockTable) resolve(deviceId string, result *LockResult) {
	self.mutex.Lock()
	pending := self.pending[deviceId]
	delete(self.pending, deviceId)
	self.mutex.Unlock()

	if pending != nil {
		pending.resolve(result)
	}
}

// remove drops the entry only if it is still the given request, so a
// timed out caller cannot evict a successor's entry.
func (self *pendingLockTable) remove(pending *pendingLock) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.pending[pending.deviceId] == pending {
		delete(self.pending, pending.deviceId)
	}
}

func (self *pendingLockTable) failAll(reason string) {
	self.mutex.Lock()
	pending := self.pending
	self.pending = map[string]*pendingLock{}
	self.mutex.Unlock()

	for _, p := range pending {
		p.resolve(&LockResult{
			Granted: false,
			Reason:  reason,
		})
	}
}
