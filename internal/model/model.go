package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the answer format of a question.
type Kind string

const (
	KindMultipleChoice Kind = "multiple_choice"
	KindShortAnswer    Kind = "short_answer"
)

// Category is the pedagogical category of a question.
type Category string

const (
	CategoryMultipleChoice Category = "multiple_choice"
	CategoryKnowledge      Category = "knowledge"
	CategoryThinking       Category = "thinking"
	CategoryApplication    Category = "application"
	CategoryCommunication  Category = "communication"
)

// Categories lists every category in prompt order.
var Categories = []Category{
	CategoryMultipleChoice,
	CategoryKnowledge,
	CategoryThinking,
	CategoryApplication,
	CategoryCommunication,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Kind returns the answer format implied by the category.
func (c Category) Kind() Kind {
	if c == CategoryMultipleChoice {
		return KindMultipleChoice
	}
	return KindShortAnswer
}

// Label returns a human-readable category name for prompts.
func (c Category) Label() string {
	switch c {
	case CategoryMultipleChoice:
		return "Multiple Choice"
	case CategoryKnowledge:
		return "Knowledge"
	case CategoryThinking:
		return "Thinking"
	case CategoryApplication:
		return "Application"
	case CategoryCommunication:
		return "Communication"
	}
	return string(c)
}

// ParseCategory accepts the canonical value, the camelCase form used by the
// upload form ("multipleChoice"), or the label ("Multiple Choice").
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	for _, c := range Categories {
		if strings.ReplaceAll(string(c), "_", "") == key {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// MaxQuestions is the largest quiz the synthesizer will request.
const MaxQuestions = 50

// Distribution maps each category to the number of questions requested.
type Distribution map[Category]int

// Total returns the number of questions the distribution asks for.
func (d Distribution) Total() int {
	n := 0
	for _, v := range d {
		n += v
	}
	return n
}

// Validate checks counts are non-negative, categories are known and the
// total is within [1, MaxQuestions].
func (d Distribution) Validate() error {
	for c, n := range d {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
		if n < 0 {
			return fmt.Errorf("negative count %d for %s", n, c)
		}
	}
	total := d.Total()
	if total < 1 {
		return fmt.Errorf("distribution must request at least one question")
	}
	if total > MaxQuestions {
		return fmt.Errorf("distribution requests %d questions, maximum is %d", total, MaxQuestions)
	}
	return nil
}

// Counts tallies questions per category.
func Counts(questions []Question) Distribution {
	d := make(Distribution)
	for _, q := range questions {
		d[q.Category]++
	}
	return d
}

// Equal reports whether both distributions request the same non-zero counts.
func (d Distribution) Equal(other Distribution) bool {
	for _, c := range Categories {
		if d[c] != other[c] {
			return false
		}
	}
	for c := range other {
		if !c.Valid() && other[c] != 0 {
			return false
		}
	}
	return true
}

// String renders the distribution in category order, skipping zeros.
func (d Distribution) String() string {
	var parts []string
	for _, c := range Categories {
		if d[c] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", c, d[c]))
		}
	}
	var extra []string
	for c, n := range d {
		if !c.Valid() {
			extra = append(extra, fmt.Sprintf("%s=%d", c, n))
		}
	}
	sort.Strings(extra)
	return strings.Join(append(parts, extra...), ",")
}

// Question is one quiz item.
type Question struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Category    Category `json:"category"`
	Text        string   `json:"text"`
	Options     []string `json:"options,omitempty"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
	Rubric      string   `json:"rubric,omitempty"`
}

// Topic is the hierarchical label assigned to a set of notes.
type Topic struct {
	Unit     string `json:"unit"`
	Topic    string `json:"topic"`
	Subtopic string `json:"subtopic,omitempty"`
}

// String joins the non-empty levels with " > ".
func (t Topic) String() string {
	var parts []string
	for _, p := range []string{t.Unit, t.Topic, t.Subtopic} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " > ")
}

// Quiz is a generated practice quiz. It is immutable after creation except
// for the attached Result.
type Quiz struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id,omitempty"`
	Title        string       `json:"title"`
	Subject      Subject      `json:"subject"`
	Grade        string       `json:"grade"`
	Topic        Topic        `json:"topic"`
	Questions    []Question   `json:"questions"`
	Distribution Distribution `json:"distribution"`
	CreatedAt    time.Time    `json:"created_at"`
	Result       *Result      `json:"result,omitempty"`
}

// Question returns the question with the given id.
func (q *Quiz) Question(id string) (Question, bool) {
	for _, qq := range q.Questions {
		if qq.ID == id {
			return qq, true
		}
	}
	return Question{}, false
}

// GradedAnswer is one student response with its evaluation.
type GradedAnswer struct {
	QuestionID string  `json:"question_id"`
	UserAnswer string  `json:"user_answer"`
	Score      float64 `json:"score"`
	IsCorrect  bool    `json:"is_correct"`
	Feedback   string  `json:"feedback"`
	Fallback   bool    `json:"fallback,omitempty"`
}

// Result is the graded outcome of one quiz submission.
type Result struct {
	QuizID       string                  `json:"quiz_id"`
	PerQuestion  map[string]GradedAnswer `json:"per_question"`
	OverallScore int                     `json:"overall_score"`
	Feedback     string                  `json:"feedback"`
	ReviewTopics []string                `json:"review_topics"`
	Strengths    []string                `json:"strengths"`
	GradedAt     time.Time               `json:"graded_at"`
}

// GenerateRequest carries everything needed to synthesize one quiz.
type GenerateRequest struct {
	Notes        string       `json:"notes"`
	PastTest     string       `json:"past_test,omitempty"`
	Grade        string       `json:"grade"`
	Distribution Distribution `json:"distribution"`
	OwnerID      string       `json:"owner_id,omitempty"`
}

// Config holds runtime pipeline parameters set via CLI flags.
type Config struct {
	PromptVariant    string  // Grading prompt variant (strict, standard, lenient)
	CorrectThreshold float64 // Minimum short-answer score counted as correct
	Concurrency      int     // Parallel short-answer gradings per submission
	MaxAttempts      int     // Generation attempts per quiz
	Lang             string  // Feedback language
}
