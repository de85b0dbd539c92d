package store

import (
	"encoding/binary"

	"github.com/mqy/minichat/chat"
)

// itob encodes an id as 8 bytes BIG endian, so byte order equals id order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// newest returns the last `limit` messages of slice.
func newest(msgs []chat.Message, limit int) []chat.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

func cloneMessages(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}
