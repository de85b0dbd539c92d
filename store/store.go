package store

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

// DefaultCapacity is the number of messages kept in history.
const DefaultCapacity = 100

// MessageStore is the bounded, ordered message history.
// Mutations are expected from a single writer (the hub); reads are safe from any
// goroutine. Persistence runs in `Run`, off the caller's path: the newest pending
// snapshot replaces any older one that was not written yet.
type MessageStore struct {
	sync.RWMutex
	msgs     []chat.Message
	capacity int
	log      IMessageLog
	now      func() time.Time

	lastID   int64
	lastTime time.Time

	pendingMu sync.Mutex
	pending   []chat.Message
	dirty     bool

	wakeC chan struct{}
	stopC chan struct{}
	doneC chan struct{}
	once  sync.Once
}

// NewMessageStore creates a store with given capacity, <= 0 means DefaultCapacity.
func NewMessageStore(log IMessageLog, capacity int) *MessageStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageStore{
		capacity: capacity,
		log:      log,
		now:      time.Now,
		wakeC:    make(chan struct{}, 1),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Load reads the persisted history. It never fails: on error the store is empty.
func (s *MessageStore) Load() []chat.Message {
	msgs, err := s.log.Load()
	if err != nil {
		glog.Errorf("store: %v, starting with empty history", &chat.PersistenceError{Op: "load", Err: err})
		metrics.PersistErrors.Inc()
		msgs = nil
	}
	msgs = newest(msgs, s.capacity)

	s.Lock()
	s.msgs = cloneMessages(msgs)
	for i := range s.msgs {
		if m := &s.msgs[i]; m.ID > s.lastID {
			s.lastID = m.ID
		}
		if m := &s.msgs[i]; m.CreatedAt.After(s.lastTime) {
			s.lastTime = m.CreatedAt
		}
	}
	out := cloneMessages(s.msgs)
	s.Unlock()

	glog.Infof("store: loaded %d messages", len(out))
	return out
}

// Append stores msg, assigning ID and CreatedAt when absent, and drops the oldest
// messages beyond capacity.
func (s *MessageStore) Append(msg chat.Message) chat.Message {
	s.Lock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	// keep CreatedAt non-decreasing, the store never reorders.
	if msg.CreatedAt.Before(s.lastTime) {
		msg.CreatedAt = s.lastTime
	}
	if msg.ID <= s.lastID {
		id := msg.CreatedAt.UnixNano() / int64(time.Millisecond)
		if id <= s.lastID {
			id = s.lastID + 1
		}
		msg.ID = id
	}
	s.lastID = msg.ID
	s.lastTime = msg.CreatedAt

	s.msgs = append(s.msgs, msg)
	if n := len(s.msgs) - s.capacity; n > 0 {
		// copy to let the dropped head be collected.
		s.msgs = cloneMessages(s.msgs[n:])
	}
	snapshot := cloneMessages(s.msgs)
	s.Unlock()

	s.schedule(snapshot)
	return msg
}

// Snapshot returns a copy of the history, oldest first.
func (s *MessageStore) Snapshot() []chat.Message {
	s.RLock()
	defer s.RUnlock()
	return cloneMessages(s.msgs)
}

func (s *MessageStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.msgs)
}

func (s *MessageStore) schedule(snapshot []chat.Message) {
	s.pendingMu.Lock()
	s.pending = snapshot
	s.dirty = true
	s.pendingMu.Unlock()

	select {
	case s.wakeC <- struct{}{}:
	default:
	}
}

// Run writes pending snapshots until Close is called.
func (s *MessageStore) Run() {
	glog.Info("store: persist loop enter")
	defer func() {
		glog.Info("store: persist loop exit")
		close(s.doneC)
	}()

	for {
		select {
		case <-s.wakeC:
			s.flush()
		case <-s.stopC:
			s.flush()
			return
		}
	}
}

func (s *MessageStore) flush() {
	s.pendingMu.Lock()
	if !s.dirty {
		s.pendingMu.Unlock()
		return
	}
	snapshot := s.pending
	s.pending = nil
	s.dirty = false
	s.pendingMu.Unlock()

	start := time.Now()
	if err := s.log.Save(snapshot); err != nil {
		// memory stays the source of truth, the next save reconciles.
		glog.Errorf("store: %v", &chat.PersistenceError{Op: "save", Err: err})
		metrics.PersistErrors.Inc()
		return
	}
	glog.V(5).Infof("store: saved %d messages, took %s", len(snapshot), time.Since(start))
}

// Close stops Run after writing the last pending snapshot, then closes the log.
// Run must have been started.
func (s *MessageStore) Close() error {
	s.once.Do(func() {
		close(s.stopC)
	})
	<-s.doneC
	return s.log.Close()
}
