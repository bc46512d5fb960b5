package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/config"
	"github.com/jo-hoe/transcriber/internal/coordinator"
	"github.com/jo-hoe/transcriber/internal/export"
	"github.com/jo-hoe/transcriber/internal/jobs"
	"github.com/jo-hoe/transcriber/internal/storage"
)

// multipartMemory is how much of a multipart body is held in memory before spilling to disk.
const multipartMemory = 32 << 20

// Coordinator is the job lifecycle the API drives.
type Coordinator interface {
	StartJob(src jobs.Source, language string) (string, error)
	Cancel(id string) error
	Observe(ctx context.Context, id string) (<-chan jobs.Transition, error)
	Job(id string) (jobs.Job, bool)
	Current() (jobs.Job, bool)
}

// TranscriptStore is the saved transcript history.
type TranscriptStore interface {
	List() []jobs.Record
	Get(id string) (jobs.Record, bool)
	Delete(id string) error
}

// Sharer produces share artifacts for a transcript.
type Sharer interface {
	ShareArtifacts(rec jobs.Record) []export.Artifact
}

// HealthChecker probes the transcription backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Service struct {
	Log         *slog.Logger
	Cfg         *config.Config
	Jobs        Coordinator
	Transcripts TranscriptStore
	Journal     jobs.Journal // optional
	Uploader    *storage.Uploader
	Exporter    Sharer
	Backend     HealthChecker // optional
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, svc.handleHealthz)

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withCommon(svc.handleCreateJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs, svc.withCommon(svc.handleListJobs))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/current", svc.withCommon(svc.handleCurrentJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleGetJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}/events", svc.withCommon(svc.handleJobEvents))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/cancel", svc.withCommon(svc.handleCancelJob))

	mux.HandleFunc(http.MethodGet+" "+common.PathTranscripts, svc.withCommon(svc.handleListTranscripts))
	mux.HandleFunc(http.MethodGet+" "+common.PathTranscripts+"/{id}", svc.withCommon(svc.handleGetTranscript))
	mux.HandleFunc(http.MethodDelete+" "+common.PathTranscripts+"/{id}", svc.withCommon(svc.handleDeleteTranscript))
	mux.HandleFunc(http.MethodGet+" "+common.PathTranscripts+"/{id}/export", svc.withCommon(svc.handleExportTranscript))
	mux.HandleFunc(http.MethodPost+" "+common.PathTranscripts+"/{id}/share", svc.withCommon(svc.handleShareTranscript))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

func (svc *Service) logger() *slog.Logger {
	if svc.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return svc.Log
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{"status": "ok"}
	if svc.Backend != nil && r.URL.Query().Get("backend") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := svc.Backend.Health(ctx); err != nil {
			svc.logger().Warn("backend health check failed", "err", err)
			out["backend"] = "unreachable"
		} else {
			out["backend"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
}

type createURLRequest struct {
	URL  string `json:"url" validate:"required,http_url"`
	Lang string `json:"lang" validate:"omitempty,bcp47_language_tag"`
}

var requestValidator = validator.New()

// validationFields maps each failing field to the rule it broke.
func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[e.Field()] = e.Tag()
	}
	return fields
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": validationFields(err),
	})
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be multipart/form-data or application/json")
		return
	}

	var src jobs.Source
	var lang string
	switch mediaType {
	case common.ContentTypeJSON:
		var req createURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, statusForBodyError(err), "invalid json body")
			return
		}
		req.URL = strings.TrimSpace(req.URL)
		if err := requestValidator.Struct(&req); err != nil {
			writeValidationError(w, err)
			return
		}
		src = jobs.Source{Kind: jobs.SourceRemoteURL, Descriptor: req.URL}
		lang = req.Lang
	case common.ContentTypeMPForm:
		var status int
		src, lang, status, err = svc.sourceFromForm(r)
		if err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				writeValidationError(w, err)
				return
			}
			writeError(w, status, err.Error())
			return
		}
	default:
		writeError(w, http.StatusUnsupportedMediaType, "content type must be multipart/form-data or application/json")
		return
	}

	id, err := svc.Jobs.StartJob(src, lang)
	if err != nil {
		// The coordinator only owns the upload once the job started.
		if src.Release != nil {
			if rerr := src.Release(); rerr != nil {
				svc.logger().Warn("removing rejected upload failed", "err", rerr)
			}
		}
		switch {
		case errors.Is(err, coordinator.ErrInvalidSource):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, coordinator.ErrJobInProgress):
			writeError(w, http.StatusConflict, "another transcription is in progress")
		default:
			svc.logger().Error("start job", "err", err)
			writeError(w, http.StatusServiceUnavailable, "could not start transcription, try later")
		}
		return
	}

	svc.logger().Info("job accepted", "job_id", id, "source_kind", src.Kind)
	statusURL := path.Join(common.PathJobs, id)
	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     id,
		StatusURL: statusURL,
		EventsURL: statusURL + "/events",
	})
}

// sourceFromForm reads either an uploaded file or a url field.
func (svc *Service) sourceFromForm(r *http.Request) (jobs.Source, string, int, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return jobs.Source{}, "", statusForBodyError(err), fmt.Errorf("invalid form: %w", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	lang := strings.TrimSpace(r.FormValue("lang"))
	fileHeaders := r.MultipartForm.File[common.DefaultUploadField]
	if len(fileHeaders) == 0 {
		u := strings.TrimSpace(r.FormValue("url"))
		if u == "" {
			return jobs.Source{}, "", http.StatusBadRequest, errors.New("file or url is required")
		}
		if err := requestValidator.Struct(&createURLRequest{URL: u, Lang: lang}); err != nil {
			return jobs.Source{}, "", http.StatusBadRequest, err
		}
		return jobs.Source{Kind: jobs.SourceRemoteURL, Descriptor: u}, lang, 0, nil
	}
	if err := requestValidator.StructPartial(&createURLRequest{Lang: lang}, "Lang"); err != nil {
		return jobs.Source{}, "", http.StatusBadRequest, err
	}

	kind := jobs.SourceImportedFile
	switch strings.TrimSpace(r.FormValue("kind")) {
	case "", "file", string(jobs.SourceImportedFile):
	case "microphone":
		kind = jobs.SourceMicrophone
	default:
		return jobs.Source{}, "", http.StatusBadRequest, errors.New("kind must be file or microphone")
	}

	up, cleanup, err := svc.Uploader.SaveMultipartMedia(fileHeaders[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, storage.ErrUnsupportedType):
			status = http.StatusUnsupportedMediaType
		}
		return jobs.Source{}, "", status, fmt.Errorf("upload failed: %w", err)
	}

	src := jobs.Source{Kind: kind, Path: up.Path, Release: cleanup}
	if kind == jobs.SourceImportedFile {
		src.Descriptor = up.Filename
	}
	return src, lang, 0, nil
}

func statusForBodyError(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if svc.Journal == nil {
		writeError(w, http.StatusNotImplemented, "job journal is disabled")
		return
	}
	limit := common.DefaultJournalListSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := svc.Journal.ListJobs(limit)
	if err != nil {
		svc.logger().Error("list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]journalResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalToOut(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.Jobs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no job has been started")
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if job, ok := svc.Jobs.Job(id); ok {
		writeJSON(w, http.StatusOK, jobToOut(job))
		return
	}
	// Older jobs have left memory but are still journaled.
	if svc.Journal != nil {
		entry, err := svc.Journal.GetJob(id)
		if err != nil && !errors.Is(err, jobs.ErrJournalNotFound) {
			svc.logger().Error("get journaled job", "job_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entry != nil {
			writeJSON(w, http.StatusOK, journalToOut(*entry))
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (svc *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := svc.Jobs.Cancel(id); err != nil {
		if errors.Is(err, coordinator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		svc.logger().Error("cancel job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	job, _ := svc.Jobs.Job(id)
	writeJSON(w, http.StatusOK, jobToOut(job))
}

// handleJobEvents streams transitions as server-sent events, ending with the final job.
func (svc *Service) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, err := svc.Jobs.Observe(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", common.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for tr := range ch {
		if err := writeEvent(w, strconv.Itoa(tr.Seq), "transition", transitionToOut(tr)); err != nil {
			return
		}
		_ = rc.Flush()
	}
	if r.Context().Err() != nil {
		return
	}
	if job, ok := svc.Jobs.Job(id); ok && job.State.IsTerminal() {
		_ = writeEvent(w, "", "end", jobToOut(job))
		_ = rc.Flush()
	}
}

func writeEvent(w io.Writer, id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (svc *Service) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	recs := svc.Transcripts.List()
	if recs == nil {
		recs = []jobs.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (svc *Service) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	rec, ok := svc.Transcripts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (svc *Service) handleDeleteTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := svc.Transcripts.Delete(id); err != nil {
		svc.logger().Error("delete transcript", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var exportExtensions = map[string]string{
	"":                    ".txt",
	export.FormatText:     ".txt",
	export.FormatTXT:      ".txt",
	export.FormatMarkdown: ".md",
	"markdown":            ".md",
}

func (svc *Service) handleExportTranscript(w http.ResponseWriter, r *http.Request) {
	rec, ok := svc.Transcripts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	body, contentType, err := export.Render(rec, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Plain text is for copy and paste; the document formats download as files.
	if format == export.FormatTXT || exportExtensions[format] == ".md" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", export.BaseFilename(rec)+exportExtensions[format]))
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (svc *Service) handleShareTranscript(w http.ResponseWriter, r *http.Request) {
	rec, ok := svc.Transcripts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, svc.Exporter.ShareArtifacts(rec))
}

type segmentResponse struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Timestamp string  `json:"timestamp"`
	Text      string  `json:"text"`
}

type jobResponse struct {
	JobID            string            `json:"job_id"`
	State            jobs.State        `json:"state"`
	Status           string            `json:"status"`
	SourceKind       jobs.SourceKind   `json:"source_kind"`
	SourceDescriptor *string           `json:"source_descriptor"`
	Platform         jobs.Platform     `json:"platform,omitempty"`
	Language         string            `json:"language"`
	DurationSeconds  *float64          `json:"duration_seconds"`
	Segments         []segmentResponse `json:"segments"`
	ErrorDetail      *string           `json:"error_detail"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func jobToOut(job jobs.Job) jobResponse {
	out := jobResponse{
		JobID:            job.ID,
		State:            job.State,
		Status:           job.State.DisplayText(),
		SourceKind:       job.SourceKind,
		SourceDescriptor: job.SourceDescriptor,
		Platform:         job.Platform,
		Language:         job.LanguageTag,
		DurationSeconds:  job.DurationSeconds,
		Segments:         make([]segmentResponse, 0, len(job.Segments)),
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	for _, s := range job.Segments {
		out.Segments = append(out.Segments, segmentResponse{
			Start:     s.StartSeconds,
			End:       s.EndSeconds,
			Timestamp: s.Timestamp(),
			Text:      s.Text,
		})
	}
	if job.ErrorDetail != "" {
		d := job.ErrorDetail
		out.ErrorDetail = &d
	}
	return out
}

type transitionResponse struct {
	JobID       string     `json:"job_id"`
	Seq         int        `json:"seq"`
	From        jobs.State `json:"from"`
	To          jobs.State `json:"to"`
	Status      string     `json:"status"`
	At          time.Time  `json:"at"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

func transitionToOut(tr jobs.Transition) transitionResponse {
	return transitionResponse{
		JobID:       tr.JobID,
		Seq:         tr.Seq,
		From:        tr.From,
		To:          tr.To,
		Status:      tr.To.DisplayText(),
		At:          tr.At,
		ErrorDetail: tr.ErrorDetail,
	}
}

type journalResponse struct {
	JobID           string          `json:"job_id"`
	SourceKind      jobs.SourceKind `json:"source_kind"`
	Source          string          `json:"source"`
	Language        string          `json:"language"`
	State           jobs.State      `json:"state"`
	ErrorDetail     *string         `json:"error_detail"`
	DurationSeconds *float64        `json:"duration_seconds"`
	SegmentCount    int             `json:"segment_count"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	ProcessingMS    *int64          `json:"processing_ms"`
}

func journalToOut(e jobs.JournalEntry) journalResponse {
	out := journalResponse{
		JobID:           e.ID,
		SourceKind:      e.SourceKind,
		Source:          e.Source,
		Language:        e.Language,
		State:           e.State,
		ErrorDetail:     e.ErrorDetail,
		DurationSeconds: e.DurationSeconds,
		SegmentCount:    e.SegmentCount,
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
	}
	if e.ProcessingTime != nil {
		ms := e.ProcessingTime.Milliseconds()
		out.ProcessingMS = &ms
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach Flush and SetWriteDeadline.
func (w *writeWrap) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("handler panicked", "panic", rec, "path", r.URL.Path)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
