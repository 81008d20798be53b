package apihttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"torrentgate/internal/domain"
	"torrentgate/internal/metrics"
	"torrentgate/internal/usecase"
)

// firstChunkBytes is read before any header is committed, so a reader that
// fails straight away still produces a clean 500.
const firstChunkBytes = 64 << 10

// handleStream serves one file of a session with single-range support.
// Ranged responses are capped at maxChunkBytes; players simply ask for the
// next span.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streamFile == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "streaming is not configured")
		return
	}
	id := sessionIDParam(r)
	relPath := streamRelPath(r, id)

	result, err := s.streamFile.Execute(r.Context(), id, relPath)
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}
	reader := result.Reader
	defer reader.Close()

	size := result.File.Length
	plan := usecase.PlanRange(r.Header.Get("Range"), size, s.maxChunkBytes)

	name := path.Base(result.File.Path)
	ext := strings.ToLower(path.Ext(name))
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentTypeFor(ext))
	if forceAttachment(ext) {
		h.Set("Content-Disposition", attachmentDisposition(name))
	}

	if plan.Unsatisfiable {
		h.Del("Content-Disposition")
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "requested range not satisfiable")
		return
	}

	status := http.StatusOK
	length := plan.Length()
	if plan.Partial {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", plan.Start, plan.End, size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))

	if r.Method == http.MethodHead || length <= 0 {
		w.WriteHeader(status)
		return
	}

	result.Focus(domain.Range{Off: plan.Start, Length: length})

	logger := s.logger.With(
		slog.String("sessionId", string(id)),
		slog.String("path", result.File.Path),
		slog.Int64("start", plan.Start),
		slog.Int64("length", length),
	)

	if plan.Start > 0 {
		if _, err := reader.Seek(plan.Start, io.SeekStart); err != nil {
			s.failBeforeHeaders(w, r, logger, err)
			return
		}
	}

	first := make([]byte, min(length, firstChunkBytes))
	n, err := io.ReadFull(reader, first)
	if err != nil {
		s.failBeforeHeaders(w, r, logger, err)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(first[:n]); err != nil {
		metrics.StreamBytesTotal.Add(float64(n))
		logger.Debug("stream client went away", slog.String("error", err.Error()))
		return
	}

	src := &streamSource{r: reader}
	copied, err := io.CopyN(w, src, length-int64(n))
	metrics.StreamBytesTotal.Add(float64(int64(n) + copied))
	if err == nil {
		return
	}
	if r.Context().Err() != nil || src.err == nil {
		// Client disconnected or stopped reading.
		logger.Debug("stream interrupted",
			slog.Int64("written", int64(n)+copied),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.StreamErrorsTotal.WithLabelValues("mid_stream").Inc()
	logger.Warn("stream read failed after headers, aborting connection",
		slog.Int64("written", int64(n)+copied),
		slog.String("error", src.err.Error()),
	)
	panic(http.ErrAbortHandler)
}

func (s *Server) failBeforeHeaders(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if r.Context().Err() != nil {
		logger.Debug("stream cancelled before first byte", slog.String("error", err.Error()))
		return
	}
	metrics.StreamErrorsTotal.WithLabelValues("before_headers").Inc()
	logger.Warn("stream read failed", slog.String("error", err.Error()))

	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Range")
	h.Del("Content-Disposition")
	writeError(w, http.StatusInternalServerError, "stream_error", "failed to read file data")
}

// streamSource remembers the read-side error so a failing reader can be told
// apart from a failing client connection.
type streamSource struct {
	r   io.Reader
	err error
}

func (s *streamSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

// handleDownload streams every completed file of a session as one zip.
// Headers are committed only after the plan is known to be non-empty.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.exportArchive == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "archive export is not configured")
		return
	}
	id := sessionIDParam(r)
	plan, err := s.exportArchive.Prepare(r.Context(), id)
	if err != nil {
		writeUseCaseError(w, r, err)
		return
	}
	defer plan.Release()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachmentDisposition(archiveFileName(plan.Session)))
	w.WriteHeader(http.StatusOK)

	result, err := s.exportArchive.Write(r.Context(), plan, w)
	if err != nil {
		s.logger.Debug("archive export interrupted",
			slog.String("sessionId", string(id)),
			slog.Int("included", result.Included),
			slog.String("error", err.Error()),
		)
	}
}

func archiveFileName(h domain.SessionHandle) string {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		name = string(h.ID)
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	return name + ".zip"
}
