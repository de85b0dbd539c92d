package chat

import (
	"strings"
	"time"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// ParseKind maps a wire value to a Kind, empty means text.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindText:
		return KindText, true
	case KindImage:
		return KindImage, true
	case KindFile:
		return KindFile, true
	}
	return "", false
}

// FileRef points to an uploaded blob.
type FileRef struct {
	URL         string `json:"url"`
	DisplayName string `json:"displayName,omitempty"`
}

// Message is a stored chat message. It is immutable once the store returns it.
type Message struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Kind      Kind      `json:"kind"`
	FileRef   *FileRef  `json:"fileRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Before reports whether m is ordered before o: by CreatedAt, then ID.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// MessagePayload is the client supplied part of a message.
type MessagePayload struct {
	Author  string   `json:"author"`
	Text    string   `json:"text"`
	Kind    Kind     `json:"kind,omitempty"`
	FileRef *FileRef `json:"fileRef,omitempty"`
}

// NewMessage builds an unsaved message from a payload, or returns an
// *InvalidMessageError. ID and CreatedAt are left for the store to assign.
func NewMessage(p MessagePayload) (Message, error) {
	author := strings.TrimSpace(p.Author)
	if author == "" {
		return Message{}, &InvalidMessageError{Reason: "author is required"}
	}

	var ref *FileRef
	if p.FileRef != nil && p.FileRef.URL != "" {
		ref = &FileRef{URL: p.FileRef.URL, DisplayName: p.FileRef.DisplayName}
	}
	if p.Text == "" && ref == nil {
		return Message{}, &InvalidMessageError{Reason: "text or attachment is required"}
	}

	kind := p.Kind
	if kind == "" {
		kind = KindText
	}
	switch {
	case ref == nil:
		// an attachment kind without attachment degrades to plain text.
		kind = KindText
	case kind == KindText:
		kind = KindFile
	}

	return Message{
		Author:  author,
		Text:    p.Text,
		Kind:    kind,
		FileRef: ref,
	}, nil
}
