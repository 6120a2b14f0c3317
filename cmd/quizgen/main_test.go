package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/store"
)

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "quizgen.db")
	outPath := filepath.Join(dir, "export.json")

	s, err := store.Open(context.Background(), store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	err = s.Put(context.Background(), &model.Quiz{
		ID:      "quiz-1",
		OwnerID: "alice",
		Title:   "Exponential Decay Practice Quiz",
		Subject: model.SubjectMathematics,
		Topic:   model.Topic{Unit: "Functions", Topic: "Exponential Decay"},
		Questions: []model.Question{{
			ID:       "q1",
			Kind:     model.KindShortAnswer,
			Category: model.CategoryKnowledge,
			Text:     "Define half-life.",
			Answer:   "The time for a quantity to halve.",
		}},
		Distribution: model.Distribution{model.CategoryKnowledge: 1},
		CreatedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cmd := rootCmd()
	cmd.SetArgs([]string{"export", "--db", dbPath, "--prompt-variant", "strict", "-o", outPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var exp model.Export
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if exp.PromptVariant != "strict" {
		t.Errorf("PromptVariant = %q, want strict", exp.PromptVariant)
	}
	if exp.NumQuizzes != 1 || exp.Results[0].QuizID != "quiz-1" {
		t.Errorf("export = %+v", exp)
	}
}
