package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pavelanni/quizgen/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testQuiz(id, owner string, offset time.Duration) *model.Quiz {
	return &model.Quiz{
		ID:      id,
		OwnerID: owner,
		Title:   "Exponential Decay Practice Quiz",
		Subject: model.SubjectMathematics,
		Grade:   "11",
		Topic:   model.Topic{Unit: "Functions", Topic: "Exponential Decay"},
		Questions: []model.Question{
			{
				ID:       "q1",
				Kind:     model.KindMultipleChoice,
				Category: model.CategoryMultipleChoice,
				Text:     "Which function models halving?",
				Options:  []string{"A. 2^x", "B. (1/2)^x", "C. x/2", "D. x^2"},
				Answer:   "B. (1/2)^x",
			},
			{
				ID:       "q2",
				Kind:     model.KindShortAnswer,
				Category: model.CategoryKnowledge,
				Text:     "Define half-life.",
				Answer:   "The time for a quantity to halve.",
			},
		},
		Distribution: model.Distribution{model.CategoryMultipleChoice: 1, model.CategoryKnowledge: 1},
		CreatedAt:    baseTime.Add(offset),
	}
}

func testResult(quizID string, score int) *model.Result {
	return &model.Result{
		QuizID: quizID,
		PerQuestion: map[string]model.GradedAnswer{
			"q1": {QuestionID: "q1", UserAnswer: "B", Score: 1, IsCorrect: true, Feedback: "Correct!"},
			"q2": {QuestionID: "q2", UserAnswer: "halving time", Score: 0.5, Feedback: "Partially correct.", Fallback: true},
		},
		OverallScore: score,
		Feedback:     "Good job!",
		ReviewTopics: []string{"Define half-life."},
		Strengths:    []string{"Which function models halving?"},
		GradedAt:     baseTime.Add(time.Hour),
	}
}

// testRepository exercises the Repository contract against any backend.
func testRepository(t *testing.T, r Repository) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		if _, err := r.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get = %v, want ErrNotFound", err)
		}
		if _, err := r.GetResult(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetResult = %v, want ErrNotFound", err)
		}
		if err := r.PutResult(ctx, "nope", testResult("nope", 10)); !errors.Is(err, ErrNotFound) {
			t.Errorf("PutResult = %v, want ErrNotFound", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		want := testQuiz("rt-1", "alice", 0)
		if err := r.Put(ctx, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := r.Get(ctx, "rt-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Title != want.Title || got.Subject != want.Subject || got.Topic != want.Topic {
			t.Errorf("got %+v", got)
		}
		if len(got.Questions) != 2 || got.Questions[0].Options[1] != "B. (1/2)^x" {
			t.Errorf("questions = %+v", got.Questions)
		}
		if !got.Distribution.Equal(want.Distribution) {
			t.Errorf("distribution = %v, want %v", got.Distribution, want.Distribution)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
		}
		if got.Result != nil {
			t.Errorf("Result = %+v, want nil before grading", got.Result)
		}
	})

	t.Run("result last write wins", func(t *testing.T) {
		if err := r.Put(ctx, testQuiz("rt-2", "alice", time.Minute)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := r.PutResult(ctx, "rt-2", testResult("rt-2", 40)); err != nil {
			t.Fatalf("PutResult: %v", err)
		}
		if err := r.PutResult(ctx, "rt-2", testResult("rt-2", 75)); err != nil {
			t.Fatalf("PutResult again: %v", err)
		}
		res, err := r.GetResult(ctx, "rt-2")
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if res.OverallScore != 75 {
			t.Errorf("OverallScore = %d, want 75", res.OverallScore)
		}
		if ga := res.PerQuestion["q2"]; ga.Score != 0.5 || !ga.Fallback {
			t.Errorf("q2 = %+v", ga)
		}
		q, err := r.Get(ctx, "rt-2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if q.Result == nil || q.Result.OverallScore != 75 {
			t.Errorf("attached result = %+v", q.Result)
		}
	})

	t.Run("put does not store result", func(t *testing.T) {
		q := testQuiz("rt-3", "bob", 2*time.Minute)
		q.Result = testResult("rt-3", 99)
		if err := r.Put(ctx, q); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := r.GetResult(ctx, "rt-3"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetResult = %v, want ErrNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		all, err := r.List(ctx, "")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		ids := make([]string, len(all))
		for i, q := range all {
			ids[i] = q.ID
		}
		if len(ids) != 3 || ids[0] != "rt-3" || ids[1] != "rt-2" || ids[2] != "rt-1" {
			t.Errorf("List all = %v, want [rt-3 rt-2 rt-1]", ids)
		}

		alice, err := r.List(ctx, "alice")
		if err != nil {
			t.Fatalf("List alice: %v", err)
		}
		if len(alice) != 2 || alice[0].ID != "rt-2" || alice[0].Result == nil {
			t.Errorf("List alice = %+v", alice)
		}

		none, err := r.List(ctx, "carol")
		if err != nil {
			t.Fatalf("List carol: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Errorf("List carol = %#v, want empty non-nil", none)
		}
	})

	t.Run("export", func(t *testing.T) {
		exp, err := r.ExportAll(ctx)
		if err != nil {
			t.Fatalf("ExportAll: %v", err)
		}
		if exp.NumQuizzes != 3 || exp.NumGraded != 1 {
			t.Fatalf("export counts = %d/%d, want 3/1", exp.NumQuizzes, exp.NumGraded)
		}
		if exp.Results[0].QuizID != "rt-1" {
			t.Errorf("first exported quiz = %s, want oldest rt-1", exp.Results[0].QuizID)
		}
		graded := exp.Results[1]
		if graded.OverallScore == nil || *graded.OverallScore != 75 {
			t.Errorf("graded summary = %+v", graded)
		}
		if graded.Topic != "Functions > Exponential Decay" {
			t.Errorf("Topic = %q", graded.Topic)
		}
		if q := graded.Questions[1]; q.Score == nil || *q.Score != 0.5 || q.UserAnswer != "halving time" {
			t.Errorf("question export = %+v", q)
		}
		if q := exp.Results[0].Questions[0]; q.Score != nil {
			t.Errorf("ungraded question has score %v", *q.Score)
		}
	})
}

func TestSQLiteRepository(t *testing.T) {
	testRepository(t, newTestStore(t))
}

func TestRedisRepository(t *testing.T) {
	url := os.Getenv("QUIZGEN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("QUIZGEN_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := "quizgen-test-" + time.Now().Format("150405.000000") + ":"
	s, err := OpenRedis(ctx, url, prefix)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := s.rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			s.rdb.Del(ctx, keys...)
		}
		s.Close()
	})
	testRepository(t, s)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("QUIZGEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUIZGEN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.db.ExecContext(ctx, `DELETE FROM results`)
		s.db.ExecContext(ctx, `DELETE FROM quizzes`)
		s.Close()
	})
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results; DELETE FROM quizzes`); err != nil {
		t.Fatalf("reset: %v", err)
	}
	testRepository(t, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, metaSchemaVersion)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "1" {
		t.Errorf("schema_version = %q, want 1", v)
	}

	if err := s.SetMetadata(ctx, "prompt_variant", "strict"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, "prompt_variant", "lenient"); err != nil {
		t.Fatalf("SetMetadata again: %v", err)
	}
	if v, _ := s.GetMetadata(ctx, "prompt_variant"); v != "lenient" {
		t.Errorf("prompt_variant = %q, want lenient", v)
	}
	if v, err := s.GetMetadata(ctx, "missing"); err != nil || v != "" {
		t.Errorf("missing key = %q, %v", v, err)
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT doc FROM quizzes WHERE id = ? AND owner_id = ?`
	sqlite := &SQLStore{driver: DriverSQLite}
	if got := sqlite.rebind(q); got != q {
		t.Errorf("sqlite rebind = %q", got)
	}
	pg := &SQLStore{driver: DriverPostgres}
	want := `SELECT doc FROM quizzes WHERE id = $1 AND owner_id = $2`
	if got := pg.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}
