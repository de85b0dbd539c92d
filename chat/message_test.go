package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MessagePayload{Author: " Alice ", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.Author)
	assert.Equal(t, KindText, msg.Kind)
	assert.Nil(t, msg.FileRef)
	assert.Zero(t, msg.ID)
	assert.True(t, msg.CreatedAt.IsZero())

	msg, err = NewMessage(MessagePayload{
		Author:  "Bob",
		Kind:    KindImage,
		FileRef: &FileRef{URL: "/uploads/1.png", DisplayName: "cat.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindImage, msg.Kind)
	assert.Equal(t, "cat.png", msg.FileRef.DisplayName)

	// attachment sent as text is a file.
	msg, err = NewMessage(MessagePayload{Author: "Bob", FileRef: &FileRef{URL: "/uploads/a.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, KindFile, msg.Kind)

	// attachment kind without attachment is text.
	msg, err = NewMessage(MessagePayload{Author: "Bob", Text: "x", Kind: KindImage})
	require.NoError(t, err)
	assert.Equal(t, KindText, msg.Kind)
}

func TestNewMessageInvalid(t *testing.T) {
	for _, p := range []MessagePayload{
		{Author: "", Text: "hi"},
		{Author: "   ", Text: "hi"},
		{Author: "Alice"},
		{Author: "Alice", FileRef: &FileRef{}},
	} {
		_, err := NewMessage(p)
		var target *InvalidMessageError
		assert.True(t, errors.As(err, &target), "payload: %+v", p)
		assert.Equal(t, CodeInvalidMessage, ErrorCode(err))
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("")
	assert.True(t, ok)
	assert.Equal(t, KindText, k)

	k, ok = ParseKind("IMAGE")
	assert.True(t, ok)
	assert.Equal(t, KindImage, k)

	_, ok = ParseKind("video")
	assert.False(t, ok)
}

func TestMessageBefore(t *testing.T) {
	now := time.Now()
	a := &Message{ID: 1, CreatedAt: now}
	b := &Message{ID: 2, CreatedAt: now}
	c := &Message{ID: 0, CreatedAt: now.Add(time.Millisecond)}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeInvalidName, ErrorCode(&InvalidNameError{Name: "a"}))
	assert.Equal(t, CodeInvalidName, ErrorCode(fmt.Errorf("join: %w", &InvalidNameError{Name: "a"})))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))

	perr := &PersistenceError{Op: "save", Err: errors.New("disk full")}
	assert.ErrorIs(t, perr, perr.Err)
	assert.Equal(t, "message log save: disk full", perr.Error())
}
