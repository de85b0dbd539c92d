package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/mqy/minichat/chat"
)

var validate = validator.New()

// reasonMalformed labels discarded frames in metrics.Rejected.
const reasonMalformed = "malformed"

// errMalformed marks a frame the gateway discards without notice.
var errMalformed = errors.New("malformed frame")

type clientFrame struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data"`
}

type joinReq struct {
	DisplayName *string `json:"displayName" validate:"required"`
}

type fileRefReq struct {
	URL         string `json:"url" validate:"required"`
	DisplayName string `json:"displayName"`
}

// messageReq accepts both `kind`/`fileRef` and the legacy flat
// `type`/`fileUrl`/`fileName` fields.
type messageReq struct {
	Author   *string     `json:"author" validate:"required"`
	Text     string      `json:"text"`
	Kind     string      `json:"kind"`
	Type     string      `json:"type"`
	FileRef  *fileRefReq `json:"fileRef"`
	FileURL  string      `json:"fileUrl"`
	FileName string      `json:"fileName"`
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errMalformed, fmt.Sprintf(format, args...))
}

func decodeFrame(data []byte) (*clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed("%v", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, malformed("%v", err)
	}
	return &f, nil
}

// decodeJoin accepts `{"displayName": "..."}` or a bare JSON string.
func decodeJoin(data json.RawMessage) (string, error) {
	if isNull(data) {
		return "", malformed("join: missing data")
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return name, nil
	}

	var req joinReq
	if err := json.Unmarshal(data, &req); err != nil {
		return "", malformed("join: %v", err)
	}
	if err := validate.Struct(&req); err != nil {
		return "", malformed("join: %v", err)
	}
	return *req.DisplayName, nil
}

func decodeMessage(data json.RawMessage) (chat.MessagePayload, error) {
	if isNull(data) {
		return chat.MessagePayload{}, malformed("send_message: missing data")
	}
	var req messageReq
	if err := json.Unmarshal(data, &req); err != nil {
		return chat.MessagePayload{}, malformed("send_message: %v", err)
	}
	if err := validate.Struct(&req); err != nil {
		return chat.MessagePayload{}, malformed("send_message: %v", err)
	}

	kindName := req.Kind
	if kindName == "" {
		kindName = req.Type
	}
	kind, ok := chat.ParseKind(kindName)
	if !ok {
		return chat.MessagePayload{}, malformed("send_message: unknown kind %q", kindName)
	}

	p := chat.MessagePayload{
		Author: *req.Author,
		Text:   req.Text,
		Kind:   kind,
	}
	if req.FileRef != nil {
		p.FileRef = &chat.FileRef{URL: req.FileRef.URL, DisplayName: req.FileRef.DisplayName}
	} else if req.FileURL != "" {
		p.FileRef = &chat.FileRef{URL: req.FileURL, DisplayName: req.FileName}
	}
	return p, nil
}

func isNull(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}
