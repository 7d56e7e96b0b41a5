package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/engine"
	"chronicle/changerequest/internal/metrics"
	"chronicle/changerequest/internal/search"
)

type HTTPOptions struct {
	CORSOrigin string
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	origin := opts.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{service: service, corsOrigin: origin, log: opts.Logger, metrics: opts.Metrics}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(s.withRequestLog)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/api/search", s.handleSearch)

	r.Route("/api/change-requests", func(r chi.Router) {
		r.Post("/", s.handleCreateChangeRequest)
		r.Get("/", s.handleListChangeRequests)

		r.Route("/{changeRequestID}", func(r chi.Router) {
			r.Get("/", s.handleGetChangeRequest)
			r.Put("/status", s.handleSetStatus)
			r.Post("/reviews", s.handleAddReview)
			r.Post("/file-changes", s.handleAddFileChange)
			r.Post("/merge", s.handleMergeChangeRequest)
			r.Get("/export", s.handleExport)

			r.Route("/file-changes/{fileChangeID}", func(r chi.Router) {
				r.Get("/", s.handleGetFileChange)
				r.Get("/merge", s.handleMergeOutcome)
				r.Post("/rebase", s.handleRebase)
				r.Post("/decisions", s.handleResolveConflicts)
				r.Post("/commit", s.handleCommit)
				r.Get("/diff", s.handleDiff)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:         strings.TrimSpace(query.Get("q")),
		FilterStatus: changerequest.Status(query.Get("status")),
		Limit:        queryInt(query, "limit", 20),
		Offset:       queryInt(query, "offset", 0),
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleCreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	var body engine.NewChangeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	cr, err := s.service.CreateChangeRequest(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (s *HTTPServer) handleListChangeRequests(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*changerequest.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleGetChangeRequest recomputes the stale date unless refresh=false.
func (s *HTTPServer) handleGetChangeRequest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "changeRequestID")
	var (
		cr  *changerequest.ChangeRequest
		err error
	)
	if r.URL.Query().Get("refresh") == "false" {
		cr, err = s.service.Get(r.Context(), id)
	} else {
		cr, err = s.service.Refresh(r.Context(), id)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *HTTPServer) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	cr, err := s.service.SetStatus(r.Context(), pathParam(r, "changeRequestID"), body.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *HTTPServer) handleAddReview(w http.ResponseWriter, r *http.Request) {
	var body engine.NewReview
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	cr, err := s.service.AddReview(r.Context(), pathParam(r, "changeRequestID"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (s *HTTPServer) handleAddFileChange(w http.ResponseWriter, r *http.Request) {
	var body engine.Edit
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	fc, err := s.service.AddFileChange(r.Context(), pathParam(r, "changeRequestID"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fc)
}

func (s *HTTPServer) handleMergeChangeRequest(w http.ResponseWriter, r *http.Request) {
	committed, err := s.service.MergeChangeRequest(r.Context(), pathParam(r, "changeRequestID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": committed})
}

func (s *HTTPServer) handleGetFileChange(w http.ResponseWriter, r *http.Request) {
	fc, err := s.service.FileChange(r.Context(), pathParam(r, "changeRequestID"), pathParam(r, "fileChangeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *HTTPServer) handleMergeOutcome(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.MergeOutcome(r.Context(), pathParam(r, "changeRequestID"), pathParam(r, "fileChangeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleRebase(w http.ResponseWriter, r *http.Request) {
	fc, err := s.service.Rebase(r.Context(), pathParam(r, "changeRequestID"), pathParam(r, "fileChangeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fc)
}

func (s *HTTPServer) handleResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decisions []DecisionInput `json:"decisions"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.ResolveConflicts(r.Context(), pathParam(r, "changeRequestID"), pathParam(r, "fileChangeID"), body.Decisions)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.Commit(r.Context(), pathParam(r, "changeRequestID"), pathParam(r, "fileChangeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": v})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	s.writeExport(w, r, pathParam(r, "fileChangeID"))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	s.writeExport(w, r, "")
}

func (s *HTTPServer) writeExport(w http.ResponseWriter, r *http.Request, fileChangeID string) {
	query := r.URL.Query()
	res, err := s.service.Export(r.Context(), pathParam(r, "changeRequestID"), fileChangeID, query.Get("mode"), query.Get("format"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	disposition := "inline"
	if res.MimeType == "application/pdf" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, res.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	event := s.log.Warn()
	if status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).
		Str("request_id", requestID(r.Context())).
		Str("code", code).
		Int("status", status).
		Msg("request failed")
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, writer.status, elapsed)
		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// pathParam unescapes a route parameter. File change IDs carry ';' and '@'
// which clients may percent-encode.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func queryInt(values url.Values, key string, fallback int) int {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
