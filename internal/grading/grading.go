// Package grading evaluates a student's answers to a quiz. Multiple-choice
// answers are checked deterministically; short answers are graded by the
// model with a string-matching fallback, so a submission always gets a
// result even when the completion endpoint is down.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/quizgen/internal/i18n"
	"github.com/pavelanni/quizgen/internal/llm"
	"github.com/pavelanni/quizgen/internal/llm/prompts"
	"github.com/pavelanni/quizgen/internal/model"
)

const (
	// DefaultCorrectThreshold is the lowest short-answer score counted as
	// correct.
	DefaultCorrectThreshold = 0.6
	// DefaultConcurrency bounds parallel short-answer gradings.
	DefaultConcurrency = 4
	// NoAnswerFeedback is the feedback for a blank answer.
	NoAnswerFeedback = "No answer provided"

	temperature = 0.3
	maxTokens   = 300
)

var letterAnswer = regexp.MustCompile(`^\(?([A-Da-d])[.)]?$`)

// Evaluator grades quiz submissions.
type Evaluator struct {
	llm         llm.Completer
	variant     prompts.Variant
	threshold   float64
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithThreshold overrides DefaultCorrectThreshold. Values outside (0, 1]
// are ignored.
func WithThreshold(t float64) Option {
	return func(e *Evaluator) {
		if t > 0 && t <= 1 {
			e.threshold = t
		}
	}
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithVariant selects the grading prompt variant.
func WithVariant(v prompts.Variant) Option { return func(e *Evaluator) { e.variant = v } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// New creates an Evaluator.
func New(c llm.Completer, opts ...Option) *Evaluator {
	e := &Evaluator{
		llm:         c,
		variant:     prompts.Standard,
		threshold:   DefaultCorrectThreshold,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/pavelanni/quizgen/internal/grading"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate grades every question of q against answers, keyed by question
// id. Completion failures never surface: affected questions are graded by
// the fallback instead. An error is returned only for an unusable quiz.
func (e *Evaluator) Evaluate(ctx context.Context, q *model.Quiz, answers map[string]string) (*model.Result, error) {
	if q == nil || len(q.Questions) == 0 {
		return nil, errors.New("quiz has no questions")
	}
	ctx, span := e.tracer.Start(ctx, "grading.evaluate", trace.WithAttributes(
		attribute.String("quiz.id", q.ID),
		attribute.Int("quiz.questions", len(q.Questions)),
	))
	defer span.End()

	graded := make([]model.GradedAnswer, len(q.Questions))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, question := range q.Questions {
		answer := strings.TrimSpace(answers[question.ID])
		switch {
		case answer == "":
			graded[i] = model.GradedAnswer{QuestionID: question.ID, Feedback: NoAnswerFeedback}
		case question.Kind == model.KindMultipleChoice:
			graded[i] = e.gradeChoice(ctx, question, answer)
		default:
			g.Go(func() error {
				graded[i] = e.gradeShort(ctx, question, answer)
				return nil
			})
		}
	}
	_ = g.Wait()

	res := Aggregate(ctx, q, graded)
	res.GradedAt = e.now().UTC()
	span.SetAttributes(attribute.Int("result.overall_score", res.OverallScore))
	return res, nil
}

// gradeChoice accepts the exact answer text, the option text without its
// label, or the option letter alone.
func (e *Evaluator) gradeChoice(ctx context.Context, q model.Question, answer string) model.GradedAnswer {
	ga := model.GradedAnswer{QuestionID: q.ID, UserAnswer: answer}
	if answer == q.Answer || resolveOption(q, answer) == q.Answer {
		ga.Score, ga.IsCorrect = 1, true
		if q.Explanation != "" {
			ga.Feedback = i18n.Td(ctx, "CorrectWithExplanation", map[string]any{"Explanation": q.Explanation})
		} else {
			ga.Feedback = i18n.T(ctx, "Correct")
		}
		return ga
	}
	data := map[string]any{"Answer": q.Answer, "Explanation": q.Explanation}
	if q.Explanation != "" {
		ga.Feedback = i18n.Td(ctx, "IncorrectChoiceWithExplanation", data)
	} else {
		ga.Feedback = i18n.Td(ctx, "IncorrectChoice", data)
	}
	return ga
}

func resolveOption(q model.Question, answer string) string {
	if m := letterAnswer.FindStringSubmatch(answer); m != nil {
		i := int(strings.ToUpper(m[1])[0] - 'A')
		if i < len(q.Options) {
			return q.Options[i]
		}
		return ""
	}
	for _, o := range q.Options {
		if len(o) > 3 && o[3:] == answer {
			return o
		}
	}
	return ""
}

type verdict struct {
	Score    *float64 `json:"score"`
	Correct  *bool    `json:"correct"`
	Feedback string   `json:"feedback"`
}

func (e *Evaluator) gradeShort(ctx context.Context, q model.Question, answer string) model.GradedAnswer {
	score, feedback, err := e.aiGrade(ctx, q, answer)
	if err != nil {
		e.logger.Warn("AI grading failed, using fallback", "question_id", q.ID, "error", err)
		return e.fallback(ctx, q, answer)
	}
	return model.GradedAnswer{
		QuestionID: q.ID,
		UserAnswer: answer,
		Score:      score,
		IsCorrect:  score >= e.threshold,
		Feedback:   feedback,
	}
}

func (e *Evaluator) aiGrade(ctx context.Context, q model.Question, answer string) (float64, string, error) {
	prompt, err := prompts.Evaluate(e.variant, prompts.EvalData{
		Question: q.Text,
		Expected: q.Answer,
		Rubric:   q.Rubric,
		Answer:   answer,
	})
	if err != nil {
		return 0, "", err
	}
	raw, err := e.llm.Complete(ctx, prompt, prompts.EvaluateSystem, llm.Options{
		Temperature: temperature,
		MaxTokens:   maxTokens,
		JSON:        true,
	})
	if err != nil {
		return 0, "", err
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return 0, "", fmt.Errorf("%w: %v", llm.ErrMalformedResponse, err)
	}
	var score float64
	switch {
	case v.Score != nil:
		score = *v.Score
	case v.Correct != nil && *v.Correct:
		score = 1
	case v.Correct != nil:
		score = 0
	default:
		return 0, "", fmt.Errorf("%w: verdict has no score", llm.ErrMalformedResponse)
	}
	if math.IsNaN(score) {
		return 0, "", fmt.Errorf("%w: score is not a number", llm.ErrMalformedResponse)
	}
	score = min(max(score, 0), 1)

	feedback := strings.TrimSpace(v.Feedback)
	if feedback == "" {
		feedback = i18n.Td(ctx, fallbackMessage(score), map[string]any{"Expected": q.Answer})
	}
	return score, feedback, nil
}

func (e *Evaluator) fallback(ctx context.Context, q model.Question, answer string) model.GradedAnswer {
	score := FallbackScore(q.Answer, answer)
	return model.GradedAnswer{
		QuestionID: q.ID,
		UserAnswer: answer,
		Score:      score,
		IsCorrect:  score >= e.threshold,
		Feedback:   i18n.Td(ctx, fallbackMessage(score), map[string]any{"Expected": q.Answer}),
		Fallback:   true,
	}
}

func fallbackMessage(score float64) string {
	switch {
	case score >= 1:
		return "FallbackExact"
	case score > 0:
		return "FallbackPartial"
	}
	return "FallbackNone"
}

// Aggregate computes the overall score, the tiered feedback and the
// strengths and review lists from per-question grades given in quiz order.
func Aggregate(ctx context.Context, q *model.Quiz, graded []model.GradedAnswer) *model.Result {
	res := &model.Result{
		QuizID:       q.ID,
		PerQuestion:  make(map[string]model.GradedAnswer, len(graded)),
		ReviewTopics: []string{},
		Strengths:    []string{},
	}
	seenReview := make(map[string]bool)
	seenStrength := make(map[string]bool)
	var sum float64
	for i, ga := range graded {
		res.PerQuestion[ga.QuestionID] = ga
		sum += ga.Score
		text := q.Questions[i].Text
		if ga.IsCorrect {
			if !seenStrength[text] {
				seenStrength[text] = true
				res.Strengths = append(res.Strengths, text)
			}
		} else if !seenReview[text] {
			seenReview[text] = true
			res.ReviewTopics = append(res.ReviewTopics, text)
		}
	}
	if n := len(graded); n > 0 {
		res.OverallScore = OverallScore(sum, n)
	}
	res.Feedback = i18n.T(ctx, FeedbackTier(res.OverallScore))
	return res
}

// OverallScore returns round(100 × sum / n) as an integer percentage.
func OverallScore(sum float64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(100 * sum / float64(n)))
}

// FeedbackTier returns the message id of the summary for an overall score.
func FeedbackTier(score int) string {
	switch {
	case score >= 90:
		return "FeedbackExcellent"
	case score >= 70:
		return "FeedbackGood"
	case score >= 50:
		return "FeedbackBasic"
	}
	return "FeedbackReview"
}
