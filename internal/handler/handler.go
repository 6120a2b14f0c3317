// Package handler serves the quiz JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pavelanni/quizgen/internal/classify"
	"github.com/pavelanni/quizgen/internal/extract"
	appI18n "github.com/pavelanni/quizgen/internal/i18n"
	"github.com/pavelanni/quizgen/internal/llm"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/quiz"
	"github.com/pavelanni/quizgen/internal/service"
	"github.com/pavelanni/quizgen/internal/store"
)

// DefaultMaxUploadBytes bounds a multipart generation request.
const DefaultMaxUploadBytes = 32 << 20

// Service is the subset of service.QuizService the API uses.
type Service interface {
	Generate(ctx context.Context, req model.GenerateRequest) (*model.Quiz, error)
	GenerateFromDocuments(ctx context.Context, notes []service.Document, pastTest *service.Document, req model.GenerateRequest) (*model.Quiz, error)
	Submit(ctx context.Context, quizID string, answers map[string]string) (*model.Result, error)
	Get(ctx context.Context, id string) (*model.Quiz, error)
	List(ctx context.Context, owner string) ([]model.Quiz, error)
	Result(ctx context.Context, quizID string) (*model.Result, error)
}

// Config holds HTTP-level settings.
type Config struct {
	Lang           string
	Tokens         []Token
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc    Service
	config Config
	logger *slog.Logger
}

// New creates a new Handler.
func New(svc Service, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, config: cfg, logger: logger}
}

// Router returns the complete HTTP handler with middleware installed.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware(h.config.Lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/quizzes", func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/", h.handleGenerate)
		r.Get("/", h.handleList)
		r.Get("/{quizID}", h.handleGet)
		r.Post("/{quizID}/submit", h.handleSubmit)
		r.Get("/{quizID}/result", h.handleResult)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateBody is the JSON form of a generation request.
type generateBody struct {
	Notes        string         `json:"notes"`
	PastTest     string         `json:"past_test"`
	Grade        string         `json:"grade"`
	Distribution map[string]int `json:"distribution"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body generateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.badRequest(w, r, "body is not valid JSON")
			return
		}
		dist, err := parseDistribution(body.Distribution)
		if err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
		q, err := h.svc.Generate(r.Context(), model.GenerateRequest{
			Notes:        body.Notes,
			PastTest:     body.PastTest,
			Grade:        body.Grade,
			Distribution: dist,
			OwnerID:      owner,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newQuizView(q))
		return
	}

	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		h.badRequest(w, r, "expected a multipart form with notes files")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var raw map[string]int
	if err := json.Unmarshal([]byte(r.FormValue("distribution")), &raw); err != nil {
		h.badRequest(w, r, "distribution must be a JSON object of category counts")
		return
	}
	dist, err := parseDistribution(raw)
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	headers := r.MultipartForm.File["notes"]
	if len(headers) == 0 {
		h.badRequest(w, r, "at least one notes file is required")
		return
	}
	notes := make([]service.Document, 0, len(headers))
	for _, fh := range headers {
		doc, closeFn, err := openUpload(fh)
		if err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
		defer closeFn()
		notes = append(notes, doc)
	}
	var pastTest *service.Document
	if past := r.MultipartForm.File["past_test"]; len(past) > 0 {
		doc, closeFn, err := openUpload(past[0])
		if err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
		defer closeFn()
		pastTest = &doc
	}

	q, err := h.svc.GenerateFromDocuments(r.Context(), notes, pastTest, model.GenerateRequest{
		Grade:        r.FormValue("grade"),
		Distribution: dist,
		OwnerID:      owner,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newQuizView(q))
}

func openUpload(fh *multipart.FileHeader) (service.Document, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return service.Document{}, nil, fmt.Errorf("cannot read upload %s", fh.Filename)
	}
	return service.Document{Name: fh.Filename, R: f, Size: fh.Size}, func() { f.Close() }, nil
}

// parseDistribution accepts canonical, camelCase or label category names.
func parseDistribution(raw map[string]int) (model.Distribution, error) {
	dist := make(model.Distribution, len(raw))
	for k, n := range raw {
		c, err := model.ParseCategory(k)
		if err != nil {
			return nil, err
		}
		dist[c] += n
	}
	if err := dist.Validate(); err != nil {
		return nil, err
	}
	return dist, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.svc.List(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]quizSummary, 0, len(quizzes))
	for i := range quizzes {
		out = append(out, newQuizSummary(&quizzes[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadQuiz fetches the quiz named in the URL, hiding other owners' quizzes.
func (h *Handler) loadQuiz(w http.ResponseWriter, r *http.Request) (*model.Quiz, bool) {
	q, err := h.svc.Get(r.Context(), chi.URLParam(r, "quizID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if owner := ownerFromContext(r.Context()); owner != "" && q.OwnerID != owner {
		h.writeError(w, r, store.ErrNotFound)
		return nil, false
	}
	return q, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuiz(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newQuizView(q))
}

type submitBody struct {
	Answers map[string]string `json:"answers"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuiz(w, r)
	if !ok {
		return
	}
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.badRequest(w, r, "body must be {\"answers\": {question id: answer}}")
		return
	}
	res, err := h.svc.Submit(r.Context(), q.ID, body.Answers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Result:  res,
		Message: appI18n.Tp(r.Context(), "QuestionsGraded", len(res.PerQuestion)),
	})
}

type submitResponse struct {
	Result  *model.Result `json:"result"`
	Message string        `json:"message"`
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuiz(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Result(r.Context(), q.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// quizSummary is one entry of the quiz list.
type quizSummary struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Subject      model.Subject `json:"subject"`
	Grade        string        `json:"grade"`
	Topic        model.Topic   `json:"topic"`
	NumQuestions int           `json:"num_questions"`
	CreatedAt    time.Time     `json:"created_at"`
	OverallScore *int          `json:"overall_score,omitempty"`
}

func newQuizSummary(q *model.Quiz) quizSummary {
	s := quizSummary{
		ID:           q.ID,
		Title:        q.Title,
		Subject:      q.Subject,
		Grade:        q.Grade,
		Topic:        q.Topic,
		NumQuestions: len(q.Questions),
		CreatedAt:    q.CreatedAt,
	}
	if q.Result != nil {
		score := q.Result.OverallScore
		s.OverallScore = &score
	}
	return s
}

// quizView is a quiz as shown to the student. Answers, explanations and
// rubrics stay hidden until the quiz has been graded.
type quizView struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Subject      model.Subject      `json:"subject"`
	Grade        string             `json:"grade"`
	Topic        model.Topic        `json:"topic"`
	Questions    []model.Question   `json:"questions"`
	Distribution model.Distribution `json:"distribution"`
	CreatedAt    time.Time          `json:"created_at"`
	Result       *model.Result      `json:"result,omitempty"`
}

func newQuizView(q *model.Quiz) quizView {
	v := quizView{
		ID:           q.ID,
		Title:        q.Title,
		Subject:      q.Subject,
		Grade:        q.Grade,
		Topic:        q.Topic,
		Questions:    make([]model.Question, len(q.Questions)),
		Distribution: q.Distribution,
		CreatedAt:    q.CreatedAt,
		Result:       q.Result,
	}
	copy(v.Questions, q.Questions)
	if q.Result == nil {
		for i := range v.Questions {
			v.Questions[i].Answer = ""
			v.Questions[i].Explanation = ""
			v.Questions[i].Rubric = ""
		}
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error: appI18n.Td(r.Context(), "ErrorBadRequest", map[string]any{"Detail": detail}),
	})
}

// writeError maps pipeline errors to a status and a single localized
// message. Upstream failures are checked first because generation errors
// may wrap them.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		transport *llm.TransportError
		genErr    *quiz.GenerationError
		classErr  *classify.ClassificationError
		status    int
		msgID     string
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msgID = http.StatusNotFound, "ErrorNotFound"
	case errors.Is(err, service.ErrInvalidSubmission):
		h.badRequest(w, r, err.Error())
		return
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status, msgID = http.StatusGatewayTimeout, "ErrorTimeout"
	case errors.As(err, &transport):
		status, msgID = http.StatusBadGateway, "ErrorUpstream"
	case errors.As(err, &classErr):
		status, msgID = http.StatusUnprocessableEntity, "ErrorClassification"
	case errors.Is(err, extract.ErrNoText):
		status, msgID = http.StatusUnprocessableEntity, "ErrorNoText"
	case errors.As(err, &genErr):
		status, msgID = http.StatusUnprocessableEntity, "ErrorGeneration"
	default:
		status, msgID = http.StatusInternalServerError, "ErrorInternal"
	}
	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Error: appI18n.T(ctx, msgID)})
}
