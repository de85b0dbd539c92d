package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/afero"

	"github.com/mqy/minichat/chat"
)

// FileLog keeps the message log as a single JSON array file.
type FileLog struct {
	fs   afero.Fs
	path string
}

func NewFileLog(fs afero.Fs, path string) *FileLog {
	return &FileLog{fs: fs, path: path}
}

// fileRecord is one entry of the file. Besides the Message fields it reads
// the flat `type`/`fileUrl`/`fileName`/`timestamp` layout of older logs.
type fileRecord struct {
	ID        int64         `json:"id"`
	Author    string        `json:"author"`
	Text      string        `json:"text"`
	Kind      string        `json:"kind"`
	FileRef   *chat.FileRef `json:"fileRef"`
	CreatedAt time.Time     `json:"createdAt"`

	Type      string    `json:"type"`
	FileURL   string    `json:"fileUrl"`
	FileName  string    `json:"fileName"`
	Timestamp time.Time `json:"timestamp"`
}

// message converts r, ok is false when r can not form a valid message.
func (r *fileRecord) message() (chat.Message, bool) {
	kindName := r.Kind
	if kindName == "" {
		kindName = r.Type
	}
	kind, ok := chat.ParseKind(kindName)
	if !ok || strings.TrimSpace(r.Author) == "" {
		return chat.Message{}, false
	}

	var ref *chat.FileRef
	if r.FileRef != nil && r.FileRef.URL != "" {
		ref = &chat.FileRef{URL: r.FileRef.URL, DisplayName: r.FileRef.DisplayName}
	} else if r.FileURL != "" {
		ref = &chat.FileRef{URL: r.FileURL, DisplayName: r.FileName}
	}
	if r.Text == "" && ref == nil {
		return chat.Message{}, false
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = r.Timestamp
	}
	if created.IsZero() && r.ID > 0 {
		// ids of older logs are unix milliseconds.
		created = time.UnixMilli(r.ID).UTC()
	}
	if created.IsZero() {
		return chat.Message{}, false
	}

	return chat.Message{
		ID:        r.ID,
		Author:    r.Author,
		Text:      r.Text,
		Kind:      kind,
		FileRef:   ref,
		CreatedAt: created,
	}, true
}

// Load returns nil without error when the file does not exist yet. Records
// that can not form a valid message are skipped.
func (l *FileLog) Load() ([]chat.Message, error) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(records))
	for i := range records {
		m, ok := records[i].message()
		if !ok {
			glog.Errorf("store: skip invalid record #%d (id %d) of %s", i, records[i].ID, l.path)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Save writes a temp file then renames it over the log.
func (l *FileLog) Save(msgs []chat.Message) error {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, data, 0600); err != nil {
		return err
	}
	return l.fs.Rename(tmp, l.path)
}

func (l *FileLog) Close() error {
	return nil
}
