package ws

import (
	"github.com/mqy/minichat/chat"
)

// senderStore holds the senders of local connections.
// It is owned by the hub loop and is not safe for concurrent use.
type senderStore struct {
	senders map[string]Sender
}

func newSenderStore() *senderStore {
	return &senderStore{senders: make(map[string]Sender)}
}

func (ss *senderStore) get(id string) (Sender, bool) {
	s, ok := ss.senders[id]
	return s, ok
}

func (ss *senderStore) add(id string, s Sender) {
	ss.senders[id] = s
}

func (ss *senderStore) del(id string) (Sender, bool) {
	s, ok := ss.senders[id]
	if ok {
		delete(ss.senders, id)
	}
	return s, ok
}

func (ss *senderStore) len() int {
	return len(ss.senders)
}

// deliver offers msg to every sender, returns ids of those that refused it.
func (ss *senderStore) deliver(msg *chat.ServerMsg) []string {
	var refused []string
	for id, s := range ss.senders {
		if !s.Deliver(msg) {
			refused = append(refused, id)
		}
	}
	return refused
}

func (ss *senderStore) evictAll(cause SessionError) {
	for id, s := range ss.senders {
		s.Evict(cause)
		delete(ss.senders, id)
	}
}
