package apihttp

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"torrentgate/internal/domain"
	"torrentgate/internal/usecase"
)

const (
	capacityRetryAfter = "60"
	exportRetryAfter   = "5"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeUseCaseError maps usecase and domain errors onto HTTP statuses.
// Engine failures never expose the underlying message.
func writeUseCaseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidInput), errors.Is(err, domain.ErrInvalidSource):
		renderError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, usecase.ErrNotReady):
		renderError(w, r, http.StatusNotFound, "not_ready",
			"torrent metadata is still resolving; retry the status URL shortly")
	case errors.Is(err, usecase.ErrNoExportableFiles):
		renderError(w, r, http.StatusNotFound, "no_files", "no completed files are available for download yet")
	case errors.Is(err, domain.ErrNotFound):
		renderError(w, r, http.StatusNotFound, "not_found", "session or file not found")
	case errors.Is(err, usecase.ErrCapacityExceeded):
		w.Header().Set("Retry-After", capacityRetryAfter)
		renderError(w, r, http.StatusServiceUnavailable, "capacity_exceeded",
			"server has reached maximum torrent capacity; retry later")
	case errors.Is(err, usecase.ErrExportBusy):
		w.Header().Set("Retry-After", exportRetryAfter)
		renderError(w, r, http.StatusServiceUnavailable, "export_busy",
			"too many archive downloads in progress; retry later")
	case errors.Is(err, usecase.ErrUpstream):
		renderError(w, r, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		renderError(w, r, http.StatusInternalServerError, "engine_error", "transfer engine error")
	default:
		renderError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sessionIDParam(r *http.Request) domain.SessionID {
	return domain.SessionID(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "id"))))
}

// streamRelPath returns the decoded file path that follows /stream/{id}/.
func streamRelPath(r *http.Request, id domain.SessionID) string {
	if rel, ok := strings.CutPrefix(r.URL.Path, "/stream/"+string(id)+"/"); ok {
		return rel
	}
	rel := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(rel); err == nil {
		return unescaped
	}
	return rel
}

// baseURL is the origin stream and archive links are built on.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	if r == nil {
		return ""
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}

func streamURL(base string, id domain.SessionID, filePath string) string {
	return base + "/stream/" + string(id) + "/" + escapePathSegments(filePath)
}

func escapePathSegments(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func parseBoolQuery(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parseLimit(value string, fallback, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

var contentTypes = map[string]string{
	".html": "text/html",
	".js":   "application/javascript",
	".css":  "text/css",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
	".rar":  "application/x-rar-compressed",
	".7z":   "application/x-7z-compressed",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".txt":  "text/plain",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".ass":  "text/x-ssa",
	".ssa":  "text/x-ssa",
}

const fallbackContentType = "application/octet-stream"

// contentTypeFor looks the extension up in a fixed table. The table is not
// extended from the host's mime database so responses are reproducible.
func contentTypeFor(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return fallbackContentType
}

var attachmentExts = map[string]struct{}{
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {},
	".exe": {}, ".iso": {}, ".img": {}, ".apk": {},
}

func forceAttachment(ext string) bool {
	_, ok := attachmentExts[strings.ToLower(ext)]
	return ok
}

func attachmentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
