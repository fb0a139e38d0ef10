package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const ChannelBufferSize = 32

type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusClosed       ConnectionStatus = "closed"
)

type ReceiveFunction func(messageBytes []byte)
type StatusFunction func(status ConnectionStatus)

type ChannelSettings struct {
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		ReconnectMinDelay:    1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.timeout)
}

// Channel is one persistent bidirectional connection scoped to one scan.
// joining the session is implicit in establishing the connection; there
// is no separate join message. an abnormal close triggers bounded
// reconnect with doubling backoff. Close never does.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string

	settings *ChannelSettings

	send chan []byte

	receiveCallbacks *CallbackList[ReceiveFunction]
	statusCallbacks  *CallbackList[StatusFunction]

	stateMutex sync.Mutex
	status     ConnectionStatus
}

func NewChannelWithDefaults(
	ctx context.Context,
	collabUrl string,
	scanId string,
	token string,
) *Channel {
	return NewChannel(ctx, collabUrl, scanId, token, DefaultChannelSettings())
}

func NewChannel(
	ctx context.Context,
	collabUrl string,
	scanId string,
	token string,
	settings *ChannelSettings,
) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)

	query := url.Values{}
	query.Set("scanId", scanId)
	query.Set("token", token)

	channel := &Channel{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              fmt.Sprintf("%s/collaboration?%s", collabUrl, query.Encode()),
		settings:         settings,
		send:             make(chan []byte, ChannelBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		statusCallbacks:  NewCallbackList[StatusFunction](),
		status:           ConnectionStatusConnecting,
	}
	go channel.run()
	return channel
}

func (self *Channel) AddReceiveCallback(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *Channel) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *Channel) Status() ConnectionStatus {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.status
}

func (self *Channel) IsOpen() bool {
	return self.Status() == ConnectionStatusConnected
}

func (self *Channel) setStatus(status ConnectionStatus) {
	self.stateMutex.Lock()
	if self.status == status {
		self.stateMutex.Unlock()
		return
	}
	self.status = status
	self.stateMutex.Unlock()

	for _, callback := range self.statusCallbacks.Get() {
		callback(status)
	}
}

// Send enqueues one encoded message. it fails immediately when the
// channel is not open so that callers never queue into a dead socket.
func (self *Channel) Send(message *Message) error {
	if !self.IsOpen() {
		return fmt.Errorf("channel not open")
	}
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("channel closed")
	case self.send <- messageBytes:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send buffer full")
	}
}

func (self *Channel) run() {
	defer self.setStatus(ConnectionStatusClosed)

	attempt := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[ch]connect error = %s\n", err)
			attempt += 1
			if self.settings.MaxReconnectAttempts < attempt {
				// a persistent failure, likely auth. do not mask it
				// with an unbounded retry loop.
				return
			}
			self.setStatus(ConnectionStatusReconnecting)
			reconnect := NewReconnect(self.backoff(attempt))
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		// every successful connect resets the backoff
		attempt = 0
		self.setStatus(ConnectionStatusConnected)

		normalClose := self.serve(ws)

		if normalClose {
			return
		}

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setStatus(ConnectionStatusReconnecting)
		attempt = 1
		reconnect := NewReconnect(self.backoff(attempt))
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Channel) backoff(attempt int) time.Duration {
	delay := self.settings.ReconnectMinDelay
	for i := 1; i < attempt; i += 1 {
		delay *= 2
		if self.settings.ReconnectMaxDelay <= delay {
			return self.settings.ReconnectMaxDelay
		}
	}
	return delay
}

// serve runs the read and write pumps for one connection. returns true
// when the peer closed deliberately, which must not trigger reconnect.
func (self *Channel) serve(ws *websocket.Conn) bool {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	normalClose := false

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageBytes, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					glog.Infof("[ch]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ch]->\n")
			case <-time.After(self.settings.PingInterval):
				pingBytes, _ := EncodeMessage(&Message{Type: MessageTypePing})
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, pingBytes); err != nil {
					return
				}
				glog.V(2).Infof("[ch]ping->\n")
			}
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(readDone)
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			_, messageBytes, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					// the server is done with this connection
					normalClose = true
				}
				glog.V(1).Infof("[ch]<- closed = %s\n", err)
				return
			}

			glog.V(2).Infof("[ch]<-\n")
			for _, callback := range self.receiveCallbacks.Get() {
				callback(messageBytes)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}

	deliberate := false
	select {
	case <-self.ctx.Done():
		// deliberate close. tell the peer not to expect us back.
		deliberate = true
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
	default:
	}

	// unblock the reader before waiting for it
	ws.Close()
	<-readDone

	return deliberate || normalClose
}

func (self *Channel) Close() {
	self.cancel()
}
