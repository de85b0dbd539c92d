package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	ServerStop   SessionError = 5
	SlowConsumer SessionError = 6
)

func (e SessionError) String() string {
	switch e {
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case PingError:
		return "ping error"
	case ServerStop:
		return "server stop"
	case SlowConsumer:
		return "slow consumer"
	}
	return fmt.Sprintf("session error %d", int(e))
}

// hub initiated closes must not call back into the hub.
func (e SessionError) byHub() bool {
	return e == ServerStop || e == SlowConsumer
}

func (e SessionError) closeCode() int {
	switch e {
	case ServerStop:
		return websocket.CloseGoingAway
	case SlowConsumer:
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024

	DefaultSendBuffer = 64
)

// Handler manages an active connection to an end user.
type Handler struct {
	sync.Mutex

	hub  *Hub
	id   string
	ip   string
	conn *websocket.Conn

	dataChan chan *chat.ServerMsg
	closing  bool
}

func newHandler(hub *Hub, conn *websocket.Conn, id, ip string) *Handler {
	return &Handler{
		hub:      hub,
		id:       id,
		ip:       ip,
		conn:     conn,
		dataChan: make(chan *chat.ServerMsg, hub.conf.SendBuffer),
	}
}

func (h *Handler) String() string {
	return h.id + "@" + h.ip
}

// Deliver implements `Sender`.
func (h *Handler) Deliver(msg *chat.ServerMsg) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- msg:
		return true
	default:
		return false
	}
}

// Evict implements `Sender`. The socket is closed in background since the
// peer may not be reading.
func (h *Handler) Evict(cause SessionError) {
	if h.markClosing() {
		glog.V(5).Infof("session evicted, cause: %s, %s", cause, h)
		go h.closeConn(cause)
	}
}

func (h *Handler) close(cause SessionError) {
	if !h.markClosing() {
		return
	}
	glog.V(5).Infof("session closed, cause: %s, %s", cause, h)
	h.closeConn(cause)

	if !cause.byHub() {
		// Ask the hub to remove this handler.
		h.hub.OnDisconnect(h.id)
	}
}

// markClosing returns false if the handler is already closing.
func (h *Handler) markClosing() bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	h.closing = true
	close(h.dataChan)
	return true
}

func (h *Handler) closeConn(cause SessionError) {
	msg := websocket.FormatCloseMessage(cause.closeCode(), cause.String())
	_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	h.conn.Close()
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(h.hub.conf.ReadLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.close(ReadError)
			return
		}

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d, session: %s", msgType, h)
			continue
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if err := h.dispatch(msg); err != nil {
			if errors.Is(err, chat.ErrHubStopped) {
				return
			}
			if errors.Is(err, errMalformed) {
				metrics.Rejected.WithLabelValues(reasonMalformed).Inc()
			}
			glog.Errorf("recvLoop(): %v, session: %s", err, h)
		}
	}
}

// dispatch routes one inbound frame to the hub. Malformed frames are
// discarded, rejected events are answered with an error frame.
func (h *Handler) dispatch(data []byte) error {
	frame, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch frame.Event {
	case chat.EventJoin:
		name, err := decodeJoin(frame.Data)
		if err != nil {
			return err
		}
		return h.reject(frame.Event, h.hub.OnJoin(h.id, name))
	case chat.EventSendMessage:
		payload, err := decodeMessage(frame.Data)
		if err != nil {
			return err
		}
		_, err = h.hub.OnMessage(h.id, payload)
		return h.reject(frame.Event, err)
	}
	return malformed("unsupported event: %q", frame.Event)
}

func (h *Handler) reject(event string, err error) error {
	var nameErr *chat.InvalidNameError
	var msgErr *chat.InvalidMessageError
	if errors.As(err, &nameErr) || errors.As(err, &msgErr) {
		h.Deliver(chat.Rejected(event, err))
	}
	return err
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok {
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			out, err := json.Marshal(v)
			if err != nil {
				glog.Errorf("sendLoop(): marshal %s error: %v", v.Event, err)
				continue
			}
			if glog.V(5) {
				logValue := string(out)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(): value: %s, session: %s", logValue, h)
			}

			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, out); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message, session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
