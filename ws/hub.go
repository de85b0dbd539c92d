package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

// Sender is the outbound side of a connection, as seen by the hub.
type Sender interface {
	// Deliver queues msg without blocking. False means the connection can not
	// take it: its buffer is full or it is closing.
	Deliver(msg *chat.ServerMsg) bool

	// Evict closes the connection on behalf of the hub.
	// It must not block and must not call back into the hub.
	Evict(cause SessionError)
}

// Publisher receives every accepted message, e.g. the kafka relay.
type Publisher interface {
	Publish(msg chat.Message) bool
}

// HubConf configures a Hub.
type HubConf struct {
	// SendBuffer is the outbound buffer size of each connection.
	SendBuffer int
	// ReadLimit is the max size of an inbound frame.
	ReadLimit int64
	// AllowedOrigins for the websocket upgrade, "*" allows all.
	AllowedOrigins []string
}

// Event is an inbound event of the hub.
type Event interface {
	connId() string
}

type Connect struct {
	ConnId string
	Sender Sender
}

type Join struct {
	ConnId      string
	DisplayName string
}

type SendMessage struct {
	ConnId  string
	Payload chat.MessagePayload
}

type Disconnect struct {
	ConnId string
}

func (e *Connect) connId() string     { return e.ConnId }
func (e *Join) connId() string        { return e.ConnId }
func (e *SendMessage) connId() string { return e.ConnId }
func (e *Disconnect) connId() string  { return e.ConnId }

type request struct {
	ev    Event
	reply chan result
}

type result struct {
	msg chat.Message
	err error
}

// Hub owns the message store, the presence registry and the set of connections.
// All events are processed one at a time by `Run`: the mutation and the
// broadcast of an event happen in the same step, so every connection sees
// broadcasts in processing order.
type Hub struct {
	conf     *HubConf
	store    *store.MessageStore
	presence *presence.Registry
	relay    Publisher
	upgrader websocket.Upgrader

	// owned by Run.
	senders *senderStore

	inbox    chan *request
	stopC    chan struct{}
	online   int32
	numConns int64
}

// NewHub creates a `Hub`. relay may be nil.
func NewHub(ms *store.MessageStore, registry *presence.Registry, relay Publisher, conf *HubConf) *Hub {
	if conf == nil {
		conf = &HubConf{}
	}
	if conf.SendBuffer <= 0 {
		conf.SendBuffer = DefaultSendBuffer
	}
	if conf.ReadLimit <= 0 {
		conf.ReadLimit = readLimit
	}
	return &Hub{
		conf:     conf,
		store:    ms,
		presence: registry,
		relay:    relay,
		upgrader: newUpgrader(conf.AllowedOrigins),
		senders:  newSenderStore(),
		inbox:    make(chan *request),
		stopC:    make(chan struct{}),
	}
}

// Run processes events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	atomic.StoreInt32(&h.online, 1)
	glog.Infof("hub: running")

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&h.online, 0)
			glog.Infof("hub: close %d connections ...", h.senders.len())
			h.senders.evictAll(ServerStop)
			h.updateGauges()
			close(h.stopC)
			glog.Infof("hub: stopped")
			return
		case req := <-h.inbox:
			req.reply <- h.handle(req.ev)
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopC
}

// Dispatch submits an event and waits until it is processed.
func (h *Hub) Dispatch(ev Event) error {
	return h.submit(ev).err
}

func (h *Hub) submit(ev Event) result {
	req := &request{ev: ev, reply: make(chan result, 1)}
	select {
	case h.inbox <- req:
	case <-h.stopC:
		return result{err: chat.ErrHubStopped}
	}
	// Run replies to every request it received.
	return <-req.reply
}

// OnConnect registers sender and delivers the current history to it only.
func (h *Hub) OnConnect(connId string, sender Sender) error {
	return h.Dispatch(&Connect{ConnId: connId, Sender: sender})
}

// OnJoin registers the display name of a connection and broadcasts user_joined.
func (h *Hub) OnJoin(connId, displayName string) error {
	return h.Dispatch(&Join{ConnId: connId, DisplayName: displayName})
}

// OnMessage stores a message and broadcasts it, returns the stored message.
func (h *Hub) OnMessage(connId string, payload chat.MessagePayload) (chat.Message, error) {
	res := h.submit(&SendMessage{ConnId: connId, Payload: payload})
	return res.msg, res.err
}

// OnDisconnect forgets the connection, broadcasts user_left if it had joined.
func (h *Hub) OnDisconnect(connId string) {
	if err := h.Dispatch(&Disconnect{ConnId: connId}); err != nil {
		glog.V(5).Infof("hub: disconnect %s: %v", connId, err)
	}
}

// OnlineNames returns the distinct names of joined connections.
func (h *Hub) OnlineNames() []string {
	return h.presence.OnlineNames()
}

func (h *Hub) NumConnections() int {
	return int(atomic.LoadInt64(&h.numConns))
}

func (h *Hub) handle(ev Event) result {
	switch ev := ev.(type) {
	case *Connect:
		h.connect(ev)
		return result{}
	case *Join:
		return result{err: h.join(ev)}
	case *SendMessage:
		return h.message(ev)
	case *Disconnect:
		h.disconnect(ev.ConnId)
		return result{}
	}
	glog.Errorf("hub: unknown event %T from %s", ev, ev.connId())
	return result{err: chat.ErrUnknownConnection}
}

func (h *Hub) connect(ev *Connect) {
	if old, ok := h.senders.get(ev.ConnId); ok && old != ev.Sender {
		glog.Errorf("hub: duplicated connection id %s, evict the old one", ev.ConnId)
		h.senders.del(ev.ConnId)
		old.Evict(ServerStop)
		h.leave(ev.ConnId)
	}
	h.senders.add(ev.ConnId, ev.Sender)
	h.updateGauges()
	glog.V(5).Infof("hub: connected %s, total: %d", ev.ConnId, h.senders.len())

	if !ev.Sender.Deliver(chat.InitMessages(h.store.Snapshot())) {
		h.evict(ev.ConnId)
	}
}

func (h *Hub) join(ev *Join) error {
	name := strings.TrimSpace(ev.DisplayName)
	if utf8.RuneCountInString(name) < chat.MinNameLen {
		metrics.Rejected.WithLabelValues(chat.CodeInvalidName).Inc()
		return &chat.InvalidNameError{Name: ev.DisplayName}
	}
	if _, ok := h.senders.get(ev.ConnId); !ok {
		return chat.ErrUnknownConnection
	}

	h.presence.Register(ev.ConnId, name)
	h.updateGauges()
	glog.V(5).Infof("hub: %s joined as %q", ev.ConnId, name)
	h.broadcast(chat.UserJoined(name, h.presence.OnlineNames()))
	return nil
}

func (h *Hub) message(ev *SendMessage) result {
	if _, ok := h.senders.get(ev.ConnId); !ok {
		return result{err: chat.ErrUnknownConnection}
	}
	msg, err := chat.NewMessage(ev.Payload)
	if err != nil {
		metrics.Rejected.WithLabelValues(chat.CodeInvalidMessage).Inc()
		return result{err: err}
	}

	stored := h.store.Append(msg)
	metrics.Messages.WithLabelValues(string(stored.Kind)).Inc()
	h.broadcast(chat.MessageReceived(stored))
	if h.relay != nil {
		h.relay.Publish(stored)
	}
	return result{msg: stored}
}

func (h *Hub) disconnect(connId string) {
	if _, ok := h.senders.del(connId); !ok {
		// already evicted, or never connected.
		return
	}
	glog.V(5).Infof("hub: disconnected %s, total: %d", connId, h.senders.len())
	h.leave(connId)
}

// evict drops a connection that can not keep up.
func (h *Hub) evict(connId string) {
	s, ok := h.senders.del(connId)
	if !ok {
		return
	}
	metrics.Evicted.Inc()
	glog.Errorf("hub: evict slow connection %s", connId)
	s.Evict(SlowConsumer)
	h.leave(connId)
}

func (h *Hub) leave(connId string) {
	name, ok := h.presence.Unregister(connId)
	h.updateGauges()
	if ok {
		h.broadcast(chat.UserLeft(name, h.presence.OnlineNames()))
	}
}

// broadcast delivers msg to every connection, evicting those that are full.
func (h *Hub) broadcast(msg *chat.ServerMsg) {
	for _, id := range h.senders.deliver(msg) {
		h.evict(id)
	}
}

func (h *Hub) updateGauges() {
	n := h.senders.len()
	atomic.StoreInt64(&h.numConns, int64(n))
	metrics.Connections.Set(float64(n))
	metrics.OnlineUsers.Set(float64(len(h.presence.OnlineNames())))
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.online) == 0 {
		http.Error(w, "Chat server is not ready", http.StatusServiceUnavailable)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, ip: %s, err: %s", getRemoteIP(r), err)
		return
	}

	handler := newHandler(h, conn, strings.ReplaceAll(uuid.New(), "-", ""), getRemoteIP(r))
	if err := h.OnConnect(handler.id, handler); err != nil {
		glog.Errorf("ServeHTTP(): connect %s: %v", handler, err)
		handler.close(ServerStop)
		return
	}

	go handler.recvLoop()
	go handler.sendLoop()
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
