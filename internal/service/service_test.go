package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/quizgen/internal/extract"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/store"
)

type fakeSynth struct {
	got model.GenerateRequest
	err error
}

func (f *fakeSynth) Synthesize(_ context.Context, req model.GenerateRequest) (*model.Quiz, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.Quiz{
		ID:      "quiz-1",
		OwnerID: req.OwnerID,
		Title:   "Exponential Decay Practice Quiz",
		Subject: model.SubjectMathematics,
		Grade:   req.Grade,
		Topic:   model.Topic{Unit: "Functions", Topic: "Exponential Decay"},
		Questions: []model.Question{
			{ID: "q1", Kind: model.KindShortAnswer, Category: model.CategoryKnowledge, Text: "Define half-life.", Answer: "time to halve"},
		},
		Distribution: model.Distribution{model.CategoryKnowledge: 1},
		CreatedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}, nil
}

type fakeEval struct {
	score int
	calls int
}

func (f *fakeEval) Evaluate(_ context.Context, q *model.Quiz, answers map[string]string) (*model.Result, error) {
	f.calls++
	return &model.Result{
		QuizID:       q.ID,
		PerQuestion:  map[string]model.GradedAnswer{"q1": {QuestionID: "q1", UserAnswer: answers["q1"]}},
		OverallScore: f.score,
		ReviewTopics: []string{},
		Strengths:    []string{},
		GradedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, nil
}

func newTestService(t *testing.T, synth *fakeSynth, eval *fakeEval) *QuizService {
	t.Helper()
	repo, err := store.Open(context.Background(), store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, synth, eval, repo, logger)
}

func doc(name, text string) Document {
	r := strings.NewReader(text)
	return Document{Name: name, R: r, Size: r.Size()}
}

func TestGenerateStoresQuiz(t *testing.T) {
	s := newTestService(t, &fakeSynth{}, &fakeEval{})
	ctx := context.Background()

	q, err := s.Generate(ctx, model.GenerateRequest{Notes: "notes", Grade: "11", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := s.Get(ctx, q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != q.Title || got.OwnerID != "alice" {
		t.Errorf("stored quiz = %+v", got)
	}
	list, err := s.List(ctx, "alice")
	if err != nil || len(list) != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
}

func TestGenerateErrorStoresNothing(t *testing.T) {
	wantErr := errors.New("boom")
	s := newTestService(t, &fakeSynth{err: wantErr}, &fakeEval{})
	ctx := context.Background()

	if _, err := s.Generate(ctx, model.GenerateRequest{Notes: "notes"}); !errors.Is(err, wantErr) {
		t.Fatalf("Generate err = %v, want %v", err, wantErr)
	}
	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List = %d quizzes, want 0", len(list))
	}
}

func TestSubmitLastWriteWins(t *testing.T) {
	eval := &fakeEval{score: 40}
	s := newTestService(t, &fakeSynth{}, eval)
	ctx := context.Background()

	q, err := s.Generate(ctx, model.GenerateRequest{Notes: "notes"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Submit(ctx, q.ID, map[string]string{"q1": "first"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eval.score = 90
	if _, err := s.Submit(ctx, q.ID, map[string]string{"q1": "second"}); err != nil {
		t.Fatalf("Submit again: %v", err)
	}

	res, err := s.Result(ctx, q.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.OverallScore != 90 || res.PerQuestion["q1"].UserAnswer != "second" {
		t.Errorf("result = %+v, want the second submission", res)
	}
	got, err := s.Get(ctx, q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Result == nil || got.Result.OverallScore != 90 {
		t.Errorf("attached result = %+v", got.Result)
	}
}

func TestSubmitErrors(t *testing.T) {
	eval := &fakeEval{}
	s := newTestService(t, &fakeSynth{}, eval)
	ctx := context.Background()

	if _, err := s.Submit(ctx, "missing", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Submit missing quiz err = %v, want ErrNotFound", err)
	}

	q, err := s.Generate(ctx, model.GenerateRequest{Notes: "notes"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Submit(ctx, q.ID, map[string]string{"q9": "x"}); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("Submit unknown question err = %v, want ErrInvalidSubmission", err)
	}
	if eval.calls != 0 {
		t.Errorf("evaluator called %d times for rejected submissions", eval.calls)
	}
	if _, err := s.Result(ctx, q.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Result before grading err = %v, want ErrNotFound", err)
	}
}

func TestGenerateFromDocuments(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestService(t, synth, &fakeEval{})
	ctx := context.Background()

	notes := []Document{doc("a.txt", "Unit 3: Functions"), doc("b.md", "Half-life")}
	past := doc("past.txt", "1. Define decay.")
	if _, err := s.GenerateFromDocuments(ctx, notes, &past, model.GenerateRequest{Grade: "11"}); err != nil {
		t.Fatalf("GenerateFromDocuments: %v", err)
	}
	if synth.got.Notes != "Unit 3: Functions\n\nHalf-life" {
		t.Errorf("notes = %q", synth.got.Notes)
	}
	if synth.got.PastTest != "1. Define decay." {
		t.Errorf("past test = %q", synth.got.PastTest)
	}
	if synth.got.Grade != "11" {
		t.Errorf("grade = %q", synth.got.Grade)
	}
}

func TestGenerateFromDocumentsIgnoresBadPastTest(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestService(t, synth, &fakeEval{})

	past := doc("past.txt", "   ")
	_, err := s.GenerateFromDocuments(context.Background(), []Document{doc("a.txt", "Cells")}, &past, model.GenerateRequest{})
	if err != nil {
		t.Fatalf("GenerateFromDocuments: %v", err)
	}
	if synth.got.PastTest != "" {
		t.Errorf("past test = %q, want empty", synth.got.PastTest)
	}
}

func TestGenerateFromDocumentsNoText(t *testing.T) {
	s := newTestService(t, &fakeSynth{}, &fakeEval{})
	_, err := s.GenerateFromDocuments(context.Background(), []Document{doc("scan.txt", "")}, nil, model.GenerateRequest{})
	if !errors.Is(err, extract.ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExport(t *testing.T) {
	s := newTestService(t, &fakeSynth{}, &fakeEval{score: 100})
	ctx := context.Background()

	q, err := s.Generate(ctx, model.GenerateRequest{Notes: "notes"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Submit(ctx, q.ID, map[string]string{"q1": "time to halve"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	exp, err := s.Export(ctx, "strict")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if exp.PromptVariant != "strict" || exp.NumQuizzes != 1 || exp.NumGraded != 1 {
		t.Errorf("export = %+v", exp)
	}
}
