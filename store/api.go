package store

import (
	"github.com/mqy/minichat/chat"
)

//go:generate mockgen -destination=mock/mock_api.go -package=mock github.com/mqy/minichat/store IMessageLog

// IMessageLog persists the message history as a whole.
type IMessageLog interface {
	// Load reads the persisted messages in storage order, oldest first.
	Load() ([]chat.Message, error)

	// Save replaces the persisted messages with given sequence.
	Save(msgs []chat.Message) error

	Close() error
}
