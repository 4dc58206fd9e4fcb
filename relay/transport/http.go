package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/guni1192/droprelay/relay/audit"
	"github.com/guni1192/droprelay/relay/chunkrelay"
	"github.com/guni1192/droprelay/relay/ratelimit"
	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/storage"
)

// handleDownload streams a relay-mode transfer to the receiver. The response
// stays open until the last chunk is written or the client goes away.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sink := chunkrelay.NewStreamSink(w, s.coord.HighWaterMark())
	sess, fi, err := s.coord.OpenDownload(r.PathValue("code"), sink)
	if err != nil {
		s.logger.Debug("Download refused",
			slog.String("pickup_code", r.PathValue("code")),
			slog.String("error", err.Error()),
		)
		writeError(w, downloadStatus(err), err)
		return
	}

	setFileHeaders(w, fi.Name, fi.Type, fi.Size)
	w.WriteHeader(http.StatusOK)
	http.NewResponseController(w).Flush()

	err = sink.Serve(r.Context())
	s.coord.CloseDownload(sess, sink, err)
	if err != nil {
		s.logger.Info("Download interrupted",
			slog.String("pickup_code", sess.Code()),
			slog.String("error", err.Error()),
		)
	}
}

func downloadStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSinkBusy), errors.Is(err, session.ErrWrongMode):
		return http.StatusConflict
	default:
		return http.StatusNotFound
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.features.Storage {
		writeJSON(w, http.StatusForbidden, UploadResponse{Message: "Storage mode is disabled"})
		return
	}

	addr := ratelimit.ClientKey(r)
	if s.limiter != nil {
		if d := s.limiter.Allow(ratelimit.ActionUpload, addr); !d.Allowed {
			s.audit.LogRateLimit(string(ratelimit.ActionUpload), addr, d.Reason)
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(d.RetryAfter.Round(time.Second)/time.Second))))
			writeJSON(w, http.StatusTooManyRequests, UploadResponse{Message: session.Reason(session.ErrRateLimited)})
			return
		}
	}

	if s.features.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.features.MaxFileSize+1<<20)
	}
	part, err := filePart(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Message: err.Error()})
		return
	}
	defer part.Close()

	meta, err := s.store.Put(r.Context(), part, storage.Meta{
		Name: part.FileName(),
		Type: part.Header.Get("Content-Type"),
	})
	if err != nil {
		status := http.StatusInternalServerError
		var maxErr *http.MaxBytesError
		if errors.Is(err, storage.ErrTooLarge) || errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
			err = storage.ErrTooLarge
		}
		s.logger.Warn("Upload failed",
			slog.String("source_ip", addr),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, UploadResponse{Message: reason(err)})
		return
	}

	s.audit.LogStorage(audit.EventStorageUpload, meta.Code, meta.Name, meta.Size, "")
	writeJSON(w, http.StatusOK, UploadResponse{
		Success:          true,
		Code:             meta.Code,
		Retention:        s.features.Retention,
		DeleteOnDownload: meta.DeleteOnDownload,
		FileInfo:         &meta,
	})
}

// filePart returns the multipart part named "file".
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart upload")
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, fmt.Errorf("missing file field")
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) handleStoredFile(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	meta, err := s.store.Stat(r.PathValue("code"))
	if err != nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Success:          true,
		Code:             meta.Code,
		DeleteOnDownload: meta.DeleteOnDownload,
		FileInfo:         &meta,
	})
}

func (s *Server) handleDownloadStored(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	rc, meta, err := s.store.Open(r.PathValue("code"))
	if err != nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}

	setFileHeaders(w, meta.Name, meta.Type, meta.Size)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, rc)
	rc.Close()
	if err != nil {
		s.logger.Info("Stored download interrupted",
			slog.String("pickup_code", meta.Code),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
		return
	}
	if meta.DeleteOnDownload && !s.store.Exists(meta.Code) {
		s.audit.LogStorage(audit.EventStorageDelete, meta.Code, meta.Name, n, "downloaded")
	}
}

func setFileHeaders(w http.ResponseWriter, name, contentType string, size int64) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(name))
	w.Header().Set("Cache-Control", "no-store")
}

// contentDisposition builds an attachment header. Non-ASCII names use the
// RFC 2231 filename* form.
func contentDisposition(name string) string {
	if name == "" {
		name = "download"
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}
