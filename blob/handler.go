package blob

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
)

// multipart overhead allowed on top of the blob size limit.
const formOverhead = 1 << 20

// Handler serves `POST /upload` and the stored blobs.
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// ServeHTTP accepts a multipart form with the blob in field `file`.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxBytes()+formOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(w, &TooLargeError{Size: maxErr.Limit, Limit: h.store.MaxBytes()})
			return
		}
		glog.V(5).Infof("upload: no file, ip: %s, err: %v", r.RemoteAddr, err)
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > h.store.MaxBytes() {
		tooLarge(w, &TooLargeError{Size: header.Size, Limit: h.store.MaxBytes()})
		return
	}

	up, err := h.store.Upload(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		var sizeErr *TooLargeError
		if errors.As(err, &sizeErr) {
			tooLarge(w, sizeErr)
			return
		}
		glog.Errorf("upload: %v", err)
		http.Error(w, "Upload failed.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(up); err != nil {
		glog.Errorf("upload: write response: %v", err)
	}
}

// Files serves stored blobs, mount it with the `URLPrefix` stripped.
func (h *Handler) Files() http.Handler {
	return http.FileServer(h.store.FileSystem())
}

func tooLarge(w http.ResponseWriter, err *TooLargeError) {
	glog.V(5).Infof("upload: %v", err)
	http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
}
