package apihttp

import (
	"html/template"
	"math"
	"net/http"
	"strconv"
	"strings"

	"torrentgate/internal/domain"
)

const pendingMessage = "Torrent added. Metadata is being fetched; retry the status URL shortly."

type renderFormat int

const (
	formatJSON renderFormat = iota
	formatHTML
)

// negotiateFormat picks JSON for ?format=json, ?json=true or an Accept header
// that ranks application/json ahead of text/html. HTML is chosen only when the
// client asks for it; everything else gets JSON.
func negotiateFormat(r *http.Request) renderFormat {
	q := r.URL.Query()
	switch strings.ToLower(q.Get("format")) {
	case "json":
		return formatJSON
	case "html":
		return formatHTML
	}
	if parseBoolQuery(q.Get("json")) {
		return formatJSON
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	jsonAt := strings.Index(accept, "application/json")
	htmlAt := strings.Index(accept, "text/html")
	switch {
	case jsonAt >= 0 && (htmlAt < 0 || jsonAt < htmlAt):
		return formatJSON
	case htmlAt >= 0:
		return formatHTML
	default:
		return formatJSON
	}
}

type fileView struct {
	Name           string  `json:"name"`
	Path           string  `json:"path"`
	Length         int64   `json:"length"`
	BytesCompleted int64   `json:"bytesCompleted"`
	Progress       float64 `json:"progress"`
	StreamURL      string  `json:"streamUrl"`
}

type sessionCore struct {
	InfoHash      string  `json:"infoHash"`
	Name          string  `json:"name"`
	Phase         string  `json:"phase"`
	Progress      float64 `json:"progress"`
	Downloaded    int64   `json:"downloaded"`
	Uploaded      int64   `json:"uploaded"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	UploadSpeed   int64   `json:"uploadSpeed"`
	NumPeers      int     `json:"numPeers"`
	Size          int64   `json:"size"`
}

type sessionView struct {
	sessionCore
	Files  []fileView `json:"files"`
	ZipURL string     `json:"zipUrl"`
}

type sessionSummary struct {
	sessionCore
	Ratio         float64 `json:"ratio"`
	TimeRemaining *int64  `json:"timeRemaining"`
}

type sessionListResponse struct {
	Items []sessionSummary `json:"items"`
	Count int              `json:"count"`
}

type pendingResponse struct {
	Status   string `json:"status"`
	InfoHash string `json:"infoHash"`
	Message  string `json:"message"`
}

type removeResponse struct {
	Status   string `json:"status"`
	InfoHash string `json:"infoHash"`
}

func coreOf(h domain.SessionHandle) sessionCore {
	return sessionCore{
		InfoHash:      string(h.ID),
		Name:          h.Name,
		Phase:         string(h.Phase),
		Progress:      h.Metrics.Progress,
		Downloaded:    h.Metrics.DownloadedBytes,
		Uploaded:      h.Metrics.UploadedBytes,
		DownloadSpeed: h.Metrics.DownloadRate,
		UploadSpeed:   h.Metrics.UploadRate,
		NumPeers:      h.Metrics.Peers,
		Size:          h.Metrics.Length,
	}
}

func viewSession(h domain.SessionHandle, base string) sessionView {
	v := sessionView{sessionCore: coreOf(h), Files: make([]fileView, 0, len(h.Files))}
	for _, f := range h.Files {
		v.Files = append(v.Files, fileView{
			Name:           baseName(f.Path),
			Path:           f.Path,
			Length:         f.Length,
			BytesCompleted: f.BytesCompleted,
			Progress:       fileProgress(f),
			StreamURL:      streamURL(base, h.ID, f.Path),
		})
	}
	if h.Phase != domain.PhasePending {
		v.ZipURL = base + "/download/" + string(h.ID)
	}
	return v
}

func summarizeSession(h domain.SessionHandle) sessionSummary {
	s := sessionSummary{sessionCore: coreOf(h)}
	if s.Downloaded > 0 {
		s.Ratio = math.Round(float64(s.Uploaded)/float64(s.Downloaded)*100) / 100
	}
	s.TimeRemaining = timeRemaining(h)
	return s
}

// timeRemaining estimates seconds left at the current download rate. It is
// nil while the size or the rate is unknown.
func timeRemaining(h domain.SessionHandle) *int64 {
	if h.Phase == domain.PhaseComplete {
		zero := int64(0)
		return &zero
	}
	m := h.Metrics
	if h.Phase == domain.PhasePending || m.Length <= 0 || m.DownloadRate <= 0 {
		return nil
	}
	left := float64(m.Length) * (1 - m.Progress)
	if left < 0 {
		left = 0
	}
	secs := int64(math.Ceil(left / float64(m.DownloadRate)))
	return &secs
}

func fileProgress(f domain.FileRef) float64 {
	if f.Length <= 0 {
		return 1
	}
	p := float64(f.BytesCompleted) / float64(f.Length)
	if p > 1 {
		p = 1
	}
	return p
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// renderError writes the error envelope as JSON or as an HTML page.
func renderError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if r != nil && negotiateFormat(r) == formatHTML {
		renderHTML(w, status, "error", errorPage{Status: status, Code: code, Message: message})
		return
	}
	writeError(w, status, code, message)
}

type errorPage struct {
	Status  int
	Code    string
	Message string
}

type indexPage struct {
	Sessions []sessionSummary
}

type addedPage struct {
	Pending   bool
	InfoHash  string
	Message   string
	StatusURL string
	Session   sessionView
}

func renderHTML(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}

var pages = template.Must(template.New("pages").Funcs(template.FuncMap{
	"percent": func(p float64) string {
		return strconv.FormatFloat(p*100, 'f', 1, 64) + "%"
	},
	"bytes": humanBytes,
}).Parse(pageTemplates))

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
