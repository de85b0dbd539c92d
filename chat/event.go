package chat

import "encoding/json"

// Event names on the wire.
const (
	EventJoin        = "join"
	EventSendMessage = "send_message"

	EventInitMessages   = "init_messages"
	EventReceiveMessage = "receive_message"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventError          = "error"
)

// ClientMsg is an inbound frame.
type ClientMsg struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerMsg is an outbound frame. Data holds one of the payload types below.
type ServerMsg struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Presence is the payload of user_joined and user_left.
type Presence struct {
	DisplayName string   `json:"displayName"`
	OnlineUsers []string `json:"onlineUsers"`
}

// Rejection is the payload of error, sent to the offending connection only.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func InitMessages(msgs []Message) *ServerMsg {
	if msgs == nil {
		msgs = []Message{}
	}
	return &ServerMsg{Event: EventInitMessages, Data: msgs}
}

func MessageReceived(msg Message) *ServerMsg {
	return &ServerMsg{Event: EventReceiveMessage, Data: msg}
}

func UserJoined(name string, online []string) *ServerMsg {
	return &ServerMsg{Event: EventUserJoined, Data: &Presence{DisplayName: name, OnlineUsers: online}}
}

func UserLeft(name string, online []string) *ServerMsg {
	return &ServerMsg{Event: EventUserLeft, Data: &Presence{DisplayName: name, OnlineUsers: online}}
}

// Rejected builds the error notice for a failed inbound event.
func Rejected(event string, err error) *ServerMsg {
	return &ServerMsg{Event: EventError, Data: &Rejection{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Event:   event,
	}}
}
