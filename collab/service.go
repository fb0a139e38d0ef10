package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type ServiceSettings struct {
	WriteTimeout time.Duration
	// refreshed on every inbound message. clients ping every 30s, so a
	// connection silent for this long is considered dead.
	ReadTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     90 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Service terminates the websocket side of the protocol: it verifies
// identity, admits connections into the authority, and runs the read
// and write pumps per connection.
type Service struct {
	ctx context.Context

	authority *Authority
	store     ResourceStore
	verify    VerifyIdentityFunc

	settings *ServiceSettings

	upgrader *websocket.Upgrader
}

func NewServiceWithDefaults(
	ctx context.Context,
	authority *Authority,
	store ResourceStore,
	verify VerifyIdentityFunc,
) *Service {
	return NewService(ctx, authority, store, verify, DefaultServiceSettings())
}

func NewService(
	ctx context.Context,
	authority *Authority,
	store ResourceStore,
	verify VerifyIdentityFunc,
	settings *ServiceSettings,
) *Service {
	return &Service{
		ctx:       ctx,
		authority: authority,
		store:     store,
		verify:    verify,
		settings:  settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
		},
	}
}

func (self *Service) AttachRoutes(router *mux.Router) {
	router.HandleFunc("/collaboration", self.handleCollaboration)
	router.HandleFunc("/scans/{scanId}", self.handleGetScan).Methods(http.MethodGet)
	router.HandleFunc("/scans/{scanId}/devices/{deviceId}", self.handleGetDevice).Methods(http.MethodGet)
}

func (self *Service) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	scanId := r.URL.Query().Get("scanId")
	token := r.URL.Query().Get("token")
	if scanId == "" || token == "" {
		http.Error(w, "scanId and token are required", http.StatusBadRequest)
		return
	}

	// an identity failure is fatal for the attempt. no session state is
	// touched before this point.
	identity, err := self.verify(token)
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	conn := self.authority.Connect(scanId, identity)
	defer self.authority.Disconnect(conn)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer func() {
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-conn.Receive():
				if !ok {
					// evicted from the session
					ws.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(self.settings.WriteTimeout),
					)
					return
				}
				messageBytes, err := EncodeMessage(message)
				if err != nil {
					glog.Infof("[s]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					glog.V(1).Infof("[s]%s-> error = %s\n", identity.UserId, err)
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[s]%s<- closed = %s\n", identity.UserId, err)
			return
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			// a malformed message never takes down the session. the
			// error reply rides the write pump like any other push.
			conn.offer(&Message{
				Type:  MessageTypeError,
				Error: err.Error(),
			})
			continue
		}

		self.authority.HandleMessage(conn, message)
	}
}

func (self *Service) handleGetScan(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := self.store.GetScan(r.Context(), vars["scanId"])
	if err != nil {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	writeJson(w, data)
}

func (self *Service) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := self.store.GetDevice(r.Context(), vars["scanId"], vars["deviceId"])
	if err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJson(w, data)
}

func writeJson(w http.ResponseWriter, data any) {
	responseJson, err := json.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}
