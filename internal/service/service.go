// Package service composes extraction, quiz synthesis, grading and storage
// into the operations exposed by the HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pavelanni/quizgen/internal/extract"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/store"
	"github.com/pavelanni/quizgen/internal/textnorm"
)

// ErrInvalidSubmission is returned for answers that reference unknown
// question ids.
var ErrInvalidSubmission = errors.New("invalid submission")

// Synthesizer generates a quiz from notes.
type Synthesizer interface {
	Synthesize(ctx context.Context, req model.GenerateRequest) (*model.Quiz, error)
}

// Evaluator grades a submission.
type Evaluator interface {
	Evaluate(ctx context.Context, q *model.Quiz, answers map[string]string) (*model.Result, error)
}

// Document is one uploaded file.
type Document struct {
	Name string
	R    io.ReaderAt
	Size int64
}

// QuizService implements quiz generation and grading on top of a
// Repository.
type QuizService struct {
	extractor extract.Extractor
	synth     Synthesizer
	eval      Evaluator
	repo      store.Repository
	logger    *slog.Logger
}

// New creates a QuizService. A nil extractor defaults to extract.NewAuto.
func New(e extract.Extractor, s Synthesizer, ev Evaluator, repo store.Repository, logger *slog.Logger) *QuizService {
	if e == nil {
		e = extract.NewAuto()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuizService{extractor: e, synth: s, eval: ev, repo: repo, logger: logger}
}

// ExtractText extracts and joins the text of several documents.
func (s *QuizService) ExtractText(ctx context.Context, docs []Document) (string, error) {
	texts := make([]string, 0, len(docs))
	for _, d := range docs {
		text, err := s.extractor.ExtractText(ctx, d.R, d.Size)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", d.Name, err)
		}
		texts = append(texts, text)
	}
	joined := textnorm.JoinDocuments(texts...)
	if strings.TrimSpace(joined) == "" {
		return "", extract.ErrNoText
	}
	return joined, nil
}

// Generate synthesizes a quiz and stores it.
func (s *QuizService) Generate(ctx context.Context, req model.GenerateRequest) (*model.Quiz, error) {
	q, err := s.synth.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Put(ctx, q); err != nil {
		return nil, fmt.Errorf("store quiz: %w", err)
	}
	s.logger.Info("quiz generated",
		"quiz_id", q.ID,
		"owner_id", q.OwnerID,
		"subject", q.Subject,
		"topic", q.Topic.String(),
		"questions", len(q.Questions),
	)
	return q, nil
}

// GenerateFromDocuments extracts notes and an optional past test from
// uploaded files and generates a quiz.
func (s *QuizService) GenerateFromDocuments(ctx context.Context, notes []Document, pastTest *Document, req model.GenerateRequest) (*model.Quiz, error) {
	text, err := s.ExtractText(ctx, notes)
	if err != nil {
		return nil, err
	}
	req.Notes = text
	if pastTest != nil {
		past, err := s.ExtractText(ctx, []Document{*pastTest})
		if err != nil {
			// A bad reference test only loses the style hint.
			s.logger.Warn("ignoring unreadable past test", "name", pastTest.Name, "error", err)
		} else {
			req.PastTest = past
		}
	}
	return s.Generate(ctx, req)
}

// Submit grades answers for a stored quiz and stores the result, replacing
// any earlier result.
func (s *QuizService) Submit(ctx context.Context, quizID string, answers map[string]string) (*model.Result, error) {
	q, err := s.repo.Get(ctx, quizID)
	if err != nil {
		return nil, err
	}
	for id := range answers {
		if _, ok := q.Question(id); !ok {
			return nil, fmt.Errorf("%w: unknown question %q", ErrInvalidSubmission, id)
		}
	}
	res, err := s.eval.Evaluate(ctx, q, answers)
	if err != nil {
		return nil, fmt.Errorf("evaluate quiz %s: %w", quizID, err)
	}
	if err := s.repo.PutResult(ctx, quizID, res); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	fallbacks := 0
	for _, ga := range res.PerQuestion {
		if ga.Fallback {
			fallbacks++
		}
	}
	s.logger.Info("quiz graded",
		"quiz_id", quizID,
		"overall_score", res.OverallScore,
		"fallback_gradings", fallbacks,
	)
	return res, nil
}

// Get returns a stored quiz.
func (s *QuizService) Get(ctx context.Context, id string) (*model.Quiz, error) {
	return s.repo.Get(ctx, id)
}

// List returns the owner's quizzes, newest first.
func (s *QuizService) List(ctx context.Context, owner string) ([]model.Quiz, error) {
	return s.repo.List(ctx, owner)
}

// Result returns the latest result for a quiz.
func (s *QuizService) Result(ctx context.Context, quizID string) (*model.Result, error) {
	return s.repo.GetResult(ctx, quizID)
}

// Export returns every quiz and result, tagged with the grading prompt
// variant in use.
func (s *QuizService) Export(ctx context.Context, variant string) (*model.Export, error) {
	exp, err := s.repo.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	exp.PromptVariant = variant
	return exp, nil
}
