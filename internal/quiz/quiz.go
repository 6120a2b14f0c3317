// Package quiz turns lecture notes into a validated practice quiz. One
// generation prompt states the exact question count per category; the
// model's reply is repaired, validated against that contract and normalized
// before a Quiz is returned.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/quizgen/internal/llm"
	"github.com/pavelanni/quizgen/internal/llm/prompts"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/repair"
	"github.com/pavelanni/quizgen/internal/textnorm"
)

const (
	temperature       = 0.2
	tokensPerQuestion = 200
	minTokens         = 1024
	maxTokens         = 16000

	notesRunes    = 12000
	pastTestRunes = 4000

	// DefaultMaxAttempts bounds how often one synthesis asks the model for a
	// quiz when replies fail validation.
	DefaultMaxAttempts = 2
)

// GenerationError means the model's reply could not be turned into a quiz
// that satisfies the schema and the requested distribution.
type GenerationError struct {
	Reason  string
	Wrapped error
}

func (e *GenerationError) Error() string {
	if e.Wrapped != nil {
		return "quiz generation failed: " + e.Reason + ": " + e.Wrapped.Error()
	}
	return "quiz generation failed: " + e.Reason
}

func (e *GenerationError) Unwrap() error {
	return e.Wrapped
}

// Classifier labels notes with a subject and topic.
type Classifier interface {
	ClassifySubject(ctx context.Context, notes string) (model.Subject, error)
	ClassifyTopic(ctx context.Context, notes string, subject model.Subject) (model.Topic, error)
}

// Synthesizer generates quizzes.
type Synthesizer struct {
	llm         llm.Completer
	classifier  Classifier
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithMaxAttempts sets the number of generation attempts (minimum 1).
func WithMaxAttempts(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Synthesizer) { s.logger = l } }

// New creates a Synthesizer.
func New(c llm.Completer, cl Classifier, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		llm:         c,
		classifier:  cl,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/pavelanni/quizgen/internal/quiz"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TokenBudget returns the completion token limit for a quiz of n questions.
func TokenBudget(n int) int {
	return min(max(tokensPerQuestion*n, minTokens), maxTokens)
}

// Synthesize classifies the notes and generates a quiz whose per-category
// question counts equal req.Distribution exactly. Classification errors are
// returned as is; everything else is a *GenerationError.
func (s *Synthesizer) Synthesize(ctx context.Context, req model.GenerateRequest) (*model.Quiz, error) {
	ctx, span := s.tracer.Start(ctx, "quiz.synthesize", trace.WithAttributes(
		attribute.String("quiz.distribution", req.Distribution.String()),
	))
	defer span.End()

	q, err := s.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("quiz.id", q.ID), attribute.String("quiz.subject", string(q.Subject)))
	return q, nil
}

func (s *Synthesizer) synthesize(ctx context.Context, req model.GenerateRequest) (*model.Quiz, error) {
	if err := req.Distribution.Validate(); err != nil {
		return nil, &GenerationError{Reason: "invalid distribution", Wrapped: err}
	}
	notes := textnorm.Normalize(req.Notes)
	if notes == "" {
		return nil, &GenerationError{Reason: "notes contain no text"}
	}

	subject, err := s.classifier.ClassifySubject(ctx, notes)
	if err != nil {
		return nil, err
	}
	topic, err := s.classifier.ClassifyTopic(ctx, notes, subject)
	if err != nil {
		return nil, err
	}
	s.logger.Info("notes classified", "subject", subject, "topic", topic.String())

	prompt, err := prompts.Generate(prompts.GenerateData{
		Grade:        strings.TrimSpace(req.Grade),
		Subject:      subject,
		Topic:        topic,
		Distribution: req.Distribution,
		Notes:        textnorm.Truncate(notes, notesRunes),
		PastTest:     textnorm.Truncate(textnorm.Normalize(req.PastTest), pastTestRunes),
	})
	if err != nil {
		return nil, err
	}
	opts := llm.Options{
		Temperature: temperature,
		MaxTokens:   TokenBudget(req.Distribution.Total()),
		JSON:        true,
		Raw:         true,
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		title, questions, err := s.generate(ctx, prompt, opts, req.Distribution)
		if err == nil {
			q := s.assemble(req, subject, topic, title, questions)
			if err = Validate(q); err == nil {
				return q, nil
			}
			err = &GenerationError{Reason: "assembled quiz is invalid", Wrapped: err}
		}
		var genErr *GenerationError
		if !errors.As(err, &genErr) {
			return nil, &GenerationError{Reason: "completion failed", Wrapped: err}
		}
		lastErr = err
		s.logger.Warn("quiz generation attempt rejected",
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"reason", genErr.Reason,
		)
	}
	return nil, lastErr
}

// generate runs one completion and validates its reply. Validation and parse
// failures are returned as *GenerationError; completion failures are not.
func (s *Synthesizer) generate(ctx context.Context, prompt string, opts llm.Options, want model.Distribution) (string, []model.Question, error) {
	raw, err := s.llm.Complete(ctx, prompt, prompts.GenerateSystem, opts)
	if err != nil {
		if errors.Is(err, llm.ErrMalformedResponse) {
			return "", nil, &GenerationError{Reason: "malformed completion", Wrapped: err}
		}
		return "", nil, err
	}

	obj, err := repair.Repair(raw)
	if err != nil {
		return "", nil, &GenerationError{Reason: "reply is not a JSON object", Wrapped: err}
	}
	var doc rawQuiz
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return "", nil, &GenerationError{Reason: "reply does not match the quiz schema", Wrapped: err}
	}
	if len(doc.Questions) == 0 {
		return "", nil, &GenerationError{Reason: "reply has no questions"}
	}

	questions := make([]model.Question, 0, len(doc.Questions))
	for i, rq := range doc.Questions {
		q, err := rq.question()
		if err != nil {
			return "", nil, &GenerationError{Reason: fmt.Sprintf("question %d is invalid", i+1), Wrapped: err}
		}
		questions = append(questions, q)
	}

	if got := model.Counts(questions); !got.Equal(want) {
		return "", nil, &GenerationError{
			Reason: fmt.Sprintf("distribution mismatch: requested %s, got %s", want, got),
		}
	}
	return textnorm.Normalize(doc.Title), questions, nil
}

func (s *Synthesizer) assemble(req model.GenerateRequest, subject model.Subject, topic model.Topic, title string, questions []model.Question) *model.Quiz {
	for i := range questions {
		questions[i].ID = fmt.Sprintf("q%d", i+1)
	}
	topic = model.Topic{
		Unit:     textnorm.Normalize(topic.Unit),
		Topic:    textnorm.Normalize(topic.Topic),
		Subtopic: textnorm.Normalize(topic.Subtopic),
	}
	if title == "" {
		title = topic.Topic + " Practice Quiz"
	}
	dist := make(model.Distribution, len(req.Distribution))
	for c, n := range req.Distribution {
		if n > 0 {
			dist[c] = n
		}
	}
	return &model.Quiz{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Title:        title,
		Subject:      subject,
		Grade:        strings.TrimSpace(req.Grade),
		Topic:        topic,
		Questions:    questions,
		Distribution: dist,
		CreatedAt:    s.now().UTC(),
	}
}
