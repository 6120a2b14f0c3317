package model

import "time"

// Export is the top-level JSON structure for quiz and result export.
type Export struct {
	ExportedAt    time.Time     `json:"exported_at"`
	PromptVariant string        `json:"prompt_variant,omitempty"`
	NumQuizzes    int           `json:"num_quizzes"`
	NumGraded     int           `json:"num_graded"`
	Results       []QuizSummary `json:"results"`
}

// QuizSummary holds one quiz and its grading outcome for export.
type QuizSummary struct {
	QuizID       string           `json:"quiz_id"`
	OwnerID      string           `json:"owner_id,omitempty"`
	Title        string           `json:"title"`
	Subject      Subject          `json:"subject"`
	Grade        string           `json:"grade"`
	Topic        string           `json:"topic"`
	Distribution Distribution     `json:"distribution"`
	CreatedAt    time.Time        `json:"created_at"`
	GradedAt     *time.Time       `json:"graded_at,omitempty"`
	OverallScore *int             `json:"overall_score,omitempty"`
	Questions    []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	ID         string   `json:"id"`
	Category   Category `json:"category"`
	Text       string   `json:"text"`
	Answer     string   `json:"answer"`
	UserAnswer string   `json:"user_answer,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	IsCorrect  bool     `json:"is_correct"`
	Feedback   string   `json:"feedback,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}
