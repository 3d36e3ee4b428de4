package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
	"github.com/fairyhunter13/deep-research-backend/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Research   usecase.ResearchService
	Uploads    usecase.UploadService
	Bus        domain.Notifier
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, research usecase.ResearchService, uploads usecase.UploadService, bus domain.Notifier, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Research: research, Uploads: uploads, Bus: bus, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests whose Accept header excludes JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

// StartResearchHandler creates the message and enqueues the first job of
// a research chain (or a single chat turn).
func (s *Server) StartResearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		conversationID := chi.URLParam(r, "id")
		if conversationID == "" {
			writeError(w, r, fmt.Errorf("%w: conversation id missing", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			UserID              string `json:"user_id" validate:"required"`
			ConversationStateID string `json:"conversation_state_id"`
			Question            string `json:"question" validate:"required,max=20000"`
			ResearchMode        string `json:"research_mode" validate:"omitempty,oneof=steering semi-autonomous fully-autonomous"`
			DeepResearch        bool   `json:"deep_research"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		out, err := s.Research.StartResearch(r.Context(), usecase.StartResearchInput{
			UserID:              req.UserID,
			ConversationID:      conversationID,
			ConversationStateID: req.ConversationStateID,
			Question:            req.Question,
			ResearchMode:        domain.ResearchMode(req.ResearchMode),
			DeepResearch:        req.DeepResearch,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message_id":            out.MessageID,
			"job_id":                out.JobID,
			"iteration_state_id":    out.IterationStateID,
			"conversation_state_id": out.ConversationStateID,
			"status":                "queued",
		})
	}
}

// MessageHandler returns a message, including agent content once the
// owning iteration completed.
func (s *Server) MessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		m, err := s.Research.GetMessage(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"question":        m.Question,
			"content":         m.Content,
			"source":          m.Source,
			"state_id":        m.StateID,
			"created_at":      m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if m.ResponseTime != nil {
			body["response_time_seconds"] = *m.ResponseTime
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// UploadHandler handles multipart upload of one dataset file.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		conversationID := chi.URLParam(r, "id")
		if conversationID == "" {
			writeError(w, r, fmt.Errorf("%w: conversation id missing", domain.ErrInvalidArgument), nil)
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		fileID, err := s.Uploads.Upload(r.Context(), usecase.UploadInput{
			UserID:              r.FormValue("user_id"),
			ConversationID:      conversationID,
			ConversationStateID: r.FormValue("conversation_state_id"),
			Filename:            header.Filename,
			Size:                header.Size,
			Content:             file,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"file_id": fileID,
			"job_id":  fileID,
			"status":  string(domain.FilePending),
		})
	}
}

// ReadyzHandler probes the Postgres pool and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
