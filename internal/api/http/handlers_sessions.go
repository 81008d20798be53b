package apihttp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"torrentgate/internal/domain"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{Sessions: []sessionSummary{}}
	if summaries, ok := s.sessionSummaries(r.Context()); ok {
		page.Sessions = summaries
	}
	renderHTML(w, http.StatusOK, "index", page)
}

func (s *Server) handleAddMagnet(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimSpace(r.FormValue("uri"))
	if uri == "" {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "uri is required")
		return
	}
	if !strings.HasPrefix(strings.ToLower(uri), "magnet:") {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "uri must be a magnet link")
		return
	}
	s.admit(w, r, domain.Source{Locator: uri})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes+(1<<20))
	if err := r.ParseMultipartForm(s.uploadMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			renderError(w, r, http.StatusRequestEntityTooLarge, "too_large", "torrent file exceeds the upload limit")
			return
		}
		renderError(w, r, http.StatusBadRequest, "invalid_request", "expected multipart form with a torrent field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("torrent")
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "torrent file is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".torrent") {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "only .torrent files are accepted")
		return
	}
	if header.Size > s.uploadMaxBytes {
		renderError(w, r, http.StatusRequestEntityTooLarge, "too_large", "torrent file exceeds the upload limit")
		return
	}

	blob, err := io.ReadAll(io.LimitReader(file, s.uploadMaxBytes+1))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "failed to read torrent file")
		return
	}
	if int64(len(blob)) > s.uploadMaxBytes {
		renderError(w, r, http.StatusRequestEntityTooLarge, "too_large", "torrent file exceeds the upload limit")
		return
	}
	if len(blob) == 0 {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "torrent file is empty")
		return
	}
	s.admit(w, r, domain.Source{Blob: blob})
}

func (s *Server) handleAddRemote(w http.ResponseWriter, r *http.Request) {
	if s.fetchDescriptor == nil {
		renderError(w, r, http.StatusServiceUnavailable, "unavailable", "remote torrent fetch is not configured")
		return
	}
	rawURL := strings.TrimSpace(r.FormValue("url"))
	if rawURL == "" {
		renderError(w, r, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	blob, err := s.fetchDescriptor.Execute(r.Context(), rawURL)
	if err != nil {
		s.logger.Warn("remote torrent fetch failed",
			slog.String("url", truncate(rawURL, 180)),
			slog.String("error", err.Error()),
		)
		writeUseCaseError(w, r, err)
		return
	}
	s.admit(w, r, domain.Source{Blob: blob})
}

// admit hands src to the admission controller and answers 202 with either
// the pending marker or the ready projection.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, src domain.Source) {
	handle, err := s.admission.Admit(r.Context(), src)
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}

	base := s.baseURL(r)
	statusURL := base + "/sessions/" + string(handle.ID)
	pending := handle.Phase == domain.PhasePending
	w.Header().Set("Location", "/sessions/"+string(handle.ID))

	if negotiateFormat(r) == formatHTML {
		renderHTML(w, http.StatusAccepted, "added", addedPage{
			Pending:   pending,
			InfoHash:  string(handle.ID),
			Message:   pendingMessage,
			StatusURL: statusURL + "?format=html",
			Session:   viewSession(handle, base),
		})
		return
	}
	if pending {
		writeJSON(w, http.StatusAccepted, pendingResponse{
			Status:   "processing",
			InfoHash: string(handle.ID),
			Message:  pendingMessage,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, viewSession(handle, base))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.listStates == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "session listing is not configured")
		return
	}
	handles, err := s.listStates.Execute(r.Context())
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}
	items := make([]sessionSummary, 0, len(handles))
	for _, h := range handles {
		items = append(items, summarizeSession(h))
	}
	if negotiateFormat(r) == formatHTML {
		renderHTML(w, http.StatusOK, "list", items)
		return
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: items, Count: len(items)})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if s.getState == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "session status is not configured")
		return
	}
	handle, err := s.getState.Execute(r.Context(), sessionIDParam(r))
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}
	view := viewSession(handle, s.baseURL(r))
	if negotiateFormat(r) == formatHTML {
		renderHTML(w, http.StatusOK, "status", view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	found, err := s.admission.Remove(r.Context(), id)
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}
	if !found {
		renderError(w, r, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if negotiateFormat(r) == formatHTML {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, removeResponse{Status: "removed", InfoHash: string(id)})
}

type eventsResponse struct {
	Items []domain.SessionEvent `json:"items"`
	Count int                   `json:"count"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled", "session journal is not configured")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultEventsLimit, maxEventsLimit)
	events, err := s.journal.List(r.Context(), sessionIDParam(r), limit)
	if err != nil {
		s.logger.Warn("journal list failed",
			slog.String("sessionId", string(sessionIDParam(r))),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "journal_error", "failed to read session events")
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Items: events, Count: len(events)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Execute(r.Context()))
}
