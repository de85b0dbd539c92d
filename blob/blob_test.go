package blob

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chat"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func newTestStore(maxBytes int64) (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "uploads", maxBytes)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return s, fs
}

func TestUploadStoresBlob(t *testing.T) {
	s, fs := newTestStore(0)

	up, err := s.Upload(strings.NewReader("hello"), "notes.TXT", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, chat.KindFile, up.Kind)
	assert.Equal(t, "notes.TXT", up.Filename)
	assert.Equal(t, int64(5), up.Size)
	assert.True(t, strings.HasPrefix(up.URL, URLPrefix+"1700000000000-"), up.URL)
	assert.True(t, strings.HasSuffix(up.URL, ".txt"), up.URL)

	data, err := afero.ReadFile(fs, "uploads/"+strings.TrimPrefix(up.URL, URLPrefix))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestUploadKind(t *testing.T) {
	s, _ := newTestStore(0)

	up, err := s.Upload(strings.NewReader("not really a gif"), "cat.gif", "image/gif")
	require.NoError(t, err)
	assert.Equal(t, chat.KindImage, up.Kind, "hint wins")

	up, err = s.Upload(bytes.NewReader(pngHeader), "", "")
	require.NoError(t, err)
	assert.Equal(t, chat.KindImage, up.Kind, "sniffed")
	assert.True(t, strings.HasSuffix(up.URL, ".png"), up.URL)

	up, err = s.Upload(bytes.NewReader(pngHeader), "blob", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, chat.KindImage, up.Kind)

	up, err = s.Upload(strings.NewReader("plain text"), "a.txt", "")
	require.NoError(t, err)
	assert.Equal(t, chat.KindFile, up.Kind)
}

func TestUploadTooLarge(t *testing.T) {
	s, fs := newTestStore(10)

	_, err := s.Upload(strings.NewReader(strings.Repeat("x", 10)), "ok.txt", "")
	require.NoError(t, err)

	_, err = s.Upload(strings.NewReader(strings.Repeat("x", 100)), "big.txt", "")
	var sizeErr *TooLargeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, int64(10), sizeErr.Limit)
	assert.Equal(t, int64(11), sizeErr.Size)

	files, err := afero.ReadDir(fs, "uploads")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUploadSanitizesNames(t *testing.T) {
	s, _ := newTestStore(0)

	up, err := s.Upload(strings.NewReader("x"), `C:\Users\bob\..\report.pdf`, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", up.Filename)
	assert.True(t, strings.HasSuffix(up.URL, ".pdf"))

	up, err = s.Upload(strings.NewReader("x"), "../../etc/passwd", "")
	require.NoError(t, err)
	assert.Equal(t, "passwd", up.Filename)
	assert.NotContains(t, strings.TrimPrefix(up.URL, URLPrefix), "/")

	assert.Equal(t, "", safeExt(".p/ng"))
	assert.Equal(t, "", safeExt("."))
	assert.Equal(t, ".jpeg", safeExt(".JPEG"))
}

func multipartBody(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("other", "value"))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestHandlerUpload(t *testing.T) {
	s, _ := newTestStore(0)
	h := NewHandler(s)

	body, ct := multipartBody(t, "file", "cat.png", "image/png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var up Upload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, chat.KindImage, up.Kind)
	assert.Equal(t, "cat.png", up.Filename)
	assert.Equal(t, int64(len(pngHeader)), up.Size)

	// served back under the url.
	files := http.StripPrefix(URLPrefix, h.Files())
	w = httptest.NewRecorder()
	files.ServeHTTP(w, httptest.NewRequest(http.MethodGet, up.URL, nil))
	require.Equal(t, http.StatusOK, w.Code)
	got, _ := io.ReadAll(w.Body)
	assert.Equal(t, pngHeader, got)

	w = httptest.NewRecorder()
	files.ServeHTTP(w, httptest.NewRequest(http.MethodGet, URLPrefix+"missing.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerNoFile(t *testing.T) {
	s, _ := newTestStore(0)
	h := NewHandler(s)

	body, ct := multipartBody(t, "", "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No file uploaded.")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("junk")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlerTooLarge(t *testing.T) {
	s, _ := newTestStore(16)
	h := NewHandler(s)

	body, ct := multipartBody(t, "file", "big.bin", "application/octet-stream", bytes.Repeat([]byte{7}, 17))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
