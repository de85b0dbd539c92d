package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chat"
	store_mock "github.com/mqy/minichat/store/mock"
)

func textMsg(author, text string) chat.Message {
	return chat.Message{Author: author, Text: text, Kind: chat.KindText}
}

func newMemStore(t *testing.T, capacity int) (*MessageStore, *FileLog) {
	log := NewFileLog(afero.NewMemMapFs(), "data/messages.json")
	s := NewMessageStore(log, capacity)
	s.Load()
	go s.Run()
	t.Cleanup(func() { _ = s.Close() })
	return s, log
}

func TestAppendKeepsNewest(t *testing.T) {
	s, _ := newMemStore(t, 0)

	const n = 250
	for i := 0; i < n; i++ {
		s.Append(textMsg("alice", fmt.Sprintf("m%d", i)))
	}

	snap := s.Snapshot()
	require.Len(t, snap, DefaultCapacity)
	for i, m := range snap {
		assert.Equal(t, fmt.Sprintf("m%d", n-DefaultCapacity+i), m.Text)
		if i > 0 {
			assert.True(t, snap[i-1].Before(&m), "order broken at %d", i)
		}
	}
}

func TestAppendEvictsOldest(t *testing.T) {
	s, _ := newMemStore(t, 0)

	var first chat.Message
	for i := 0; i < DefaultCapacity; i++ {
		m := s.Append(textMsg("alice", fmt.Sprintf("m%d", i)))
		if i == 0 {
			first = m
		}
	}
	require.Equal(t, DefaultCapacity, s.Len())
	assert.Equal(t, first.ID, s.Snapshot()[0].ID)

	last := s.Append(textMsg("bob", "the 101st"))
	snap := s.Snapshot()
	assert.Equal(t, DefaultCapacity, len(snap))
	for _, m := range snap {
		assert.NotEqual(t, first.ID, m.ID)
	}
	assert.Equal(t, last, snap[len(snap)-1])
}

func TestAppendAssignsFields(t *testing.T) {
	s, _ := newMemStore(t, 10)

	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	a := s.Append(textMsg("alice", "a"))
	b := s.Append(textMsg("alice", "b"))
	assert.Equal(t, frozen, a.CreatedAt)
	assert.Equal(t, frozen.UnixNano()/int64(time.Millisecond), a.ID)
	assert.Equal(t, a.ID+1, b.ID, "same millisecond bumps the id")

	// a clock going backwards does not reorder.
	s.now = func() time.Time { return frozen.Add(-time.Hour) }
	c := s.Append(textMsg("alice", "c"))
	assert.Equal(t, frozen, c.CreatedAt)
	assert.Greater(t, c.ID, b.ID)
}

func TestSnapshotIsCopy(t *testing.T) {
	s, _ := newMemStore(t, 10)
	s.Append(textMsg("alice", "a"))

	snap := s.Snapshot()
	snap[0].Text = "changed"
	assert.Equal(t, "a", s.Snapshot()[0].Text)
}

func TestFileLogRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	log := NewFileLog(fs, "data/messages.json")
	s := NewMessageStore(log, 0)
	s.Load()
	go s.Run()

	s.Append(textMsg("alice", "hi"))
	s.Append(chat.Message{Author: "bob", Kind: chat.KindImage, FileRef: &chat.FileRef{URL: "/uploads/1.png", DisplayName: "cat.png"}})
	s.Append(chat.Message{Author: "bob", Text: "report", Kind: chat.KindFile, FileRef: &chat.FileRef{URL: "/uploads/2.pdf", DisplayName: "q3.pdf"}})
	want := s.Snapshot()
	require.NoError(t, s.Close())

	s2 := NewMessageStore(NewFileLog(fs, "data/messages.json"), 0)
	assert.Equal(t, want, s2.Load())
	assert.Equal(t, want, s2.Snapshot())

	// ids continue after the loaded history.
	m := s2.Append(textMsg("alice", "again"))
	assert.Greater(t, m.ID, want[len(want)-1].ID)
}

func TestFileLogLoadsLegacyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "messages.json", []byte(`[
		{"id":1700000000000,"author":"Alice","text":"","type":"image","fileUrl":"/uploads/1-2.png","fileName":"cat.png","timestamp":"2024-01-01T00:00:00.000Z"},
		{"id":1700000000001,"author":"Bob","text":"hi","type":"text","fileUrl":null,"fileName":null,"timestamp":"2024-01-01T00:00:01.000Z"},
		{"id":1700000000002,"author":"Bob","text":"no type","timestamp":"2024-01-01T00:00:02.000Z"},
		{"id":1700000000003,"author":"Bob","text":"","type":"text","timestamp":"2024-01-01T00:00:03.000Z"},
		{"id":1700000000004,"author":"Bob","text":"x","type":"video","timestamp":"2024-01-01T00:00:04.000Z"},
		{"id":1700000000005,"author":"Carol","text":"no time"}
	]`), 0600))

	s := NewMessageStore(NewFileLog(fs, "messages.json"), 0)
	msgs := s.Load()
	require.Len(t, msgs, 4, "records without content or with an unknown type are skipped")

	img := msgs[0]
	assert.Equal(t, chat.KindImage, img.Kind)
	assert.Equal(t, &chat.FileRef{URL: "/uploads/1-2.png", DisplayName: "cat.png"}, img.FileRef)
	assert.True(t, img.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, chat.KindText, msgs[1].Kind)
	assert.Nil(t, msgs[1].FileRef)
	assert.Equal(t, chat.KindText, msgs[2].Kind, "missing type means text")

	assert.Equal(t, "Carol", msgs[3].Author)
	assert.Equal(t, time.UnixMilli(1700000000005).UTC(), msgs[3].CreatedAt)

	for _, m := range msgs {
		assert.False(t, m.CreatedAt.IsZero())
	}
}

func TestBoltLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")

	log, err := OpenBoltLog(path)
	require.NoError(t, err)
	s := NewMessageStore(log, 5)
	s.Load()
	go s.Run()
	for i := 0; i < 8; i++ {
		s.Append(textMsg("alice", fmt.Sprintf("m%d", i)))
	}
	s.Append(chat.Message{Author: "bob", Kind: chat.KindFile, FileRef: &chat.FileRef{URL: "/uploads/x.zip", DisplayName: "x.zip"}})
	want := s.Snapshot()
	require.Len(t, want, 5)
	require.NoError(t, s.Close())

	log2, err := OpenBoltLog(path)
	require.NoError(t, err)
	defer log2.Close()
	got, err := log2.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadCorruptStateYieldsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "messages.json", []byte("{not json"), 0600))

	s := NewMessageStore(NewFileLog(fs, "messages.json"), 0)
	assert.Empty(t, s.Load())
	assert.Equal(t, 0, s.Len())

	go s.Run()
	s.Append(textMsg("alice", "fresh start"))
	require.NoError(t, s.Close())

	got, err := NewFileLog(fs, "messages.json").Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh start", got[0].Text)
}

func TestLoadMissingStateYieldsEmpty(t *testing.T) {
	s := NewMessageStore(NewFileLog(afero.NewMemMapFs(), "none/messages.json"), 0)
	assert.Empty(t, s.Load())
}

func TestLoadTruncatesToCapacity(t *testing.T) {
	fs := afero.NewMemMapFs()
	log := NewFileLog(fs, "messages.json")

	var msgs []chat.Message
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		msgs = append(msgs, chat.Message{ID: int64(i + 1), Author: "a", Text: fmt.Sprint(i), Kind: chat.KindText, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	require.NoError(t, log.Save(msgs))

	s := NewMessageStore(log, 100)
	loaded := s.Load()
	require.Len(t, loaded, 100)
	assert.Equal(t, int64(21), loaded[0].ID)
	assert.Equal(t, int64(120), loaded[99].ID)
}

func TestSaveFailureKeepsMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logMock := store_mock.NewMockIMessageLog(ctrl)
	logMock.EXPECT().Load().Return(nil, errors.New("io error"))
	logMock.EXPECT().Save(gomock.Any()).Return(errors.New("disk full")).MinTimes(1)
	logMock.EXPECT().Close().Return(nil)

	s := NewMessageStore(logMock, 0)
	assert.Empty(t, s.Load())
	go s.Run()

	m := s.Append(textMsg("alice", "still here"))
	require.NoError(t, s.Close())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, m, snap[0])
}

func TestLastSnapshotWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var saved [][]chat.Message
	logMock := store_mock.NewMockIMessageLog(ctrl)
	logMock.EXPECT().Save(gomock.Any()).DoAndReturn(func(msgs []chat.Message) error {
		saved = append(saved, msgs)
		return nil
	}).MinTimes(1)
	logMock.EXPECT().Close().Return(nil)

	s := NewMessageStore(logMock, 0)
	for i := 0; i < 20; i++ {
		s.Append(textMsg("alice", fmt.Sprint(i)))
	}
	// Run starts late: all appends collapse into one write of the newest state.
	go s.Run()
	require.NoError(t, s.Close())

	require.Len(t, saved, 1)
	assert.Len(t, saved[0], 20)
}
