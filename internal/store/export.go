package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/quizgen/internal/model"
)

// exportQuizzes builds the export document from every stored quiz, oldest
// first so that repeated exports diff cleanly.
func exportQuizzes(ctx context.Context, r Repository) (*model.Export, error) {
	quizzes, err := r.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}

	exp := &model.Export{
		ExportedAt: time.Now().UTC(),
		NumQuizzes: len(quizzes),
		Results:    make([]model.QuizSummary, 0, len(quizzes)),
	}
	for i := len(quizzes) - 1; i >= 0; i-- {
		q := quizzes[i]
		sum := model.QuizSummary{
			QuizID:       q.ID,
			OwnerID:      q.OwnerID,
			Title:        q.Title,
			Subject:      q.Subject,
			Grade:        q.Grade,
			Topic:        q.Topic.String(),
			Distribution: q.Distribution,
			CreatedAt:    q.CreatedAt,
		}
		if q.Result != nil {
			exp.NumGraded++
			gradedAt := q.Result.GradedAt
			score := q.Result.OverallScore
			sum.GradedAt = &gradedAt
			sum.OverallScore = &score
		}
		for _, question := range q.Questions {
			qr := model.QuestionResult{
				ID:       question.ID,
				Category: question.Category,
				Text:     question.Text,
				Answer:   question.Answer,
			}
			if q.Result != nil {
				if ga, ok := q.Result.PerQuestion[question.ID]; ok {
					score := ga.Score
					qr.UserAnswer = ga.UserAnswer
					qr.Score = &score
					qr.IsCorrect = ga.IsCorrect
					qr.Feedback = ga.Feedback
					qr.Fallback = ga.Fallback
				}
			}
			sum.Questions = append(sum.Questions, qr)
		}
		exp.Results = append(exp.Results, sum)
	}
	return exp, nil
}
