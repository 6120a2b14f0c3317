package quiz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/textnorm"
)

// OptionCount is the number of options on every multiple-choice question.
const OptionCount = 4

var (
	optionLabel = regexp.MustCompile(`^\(?([A-D])[.):]\s+`)
	letterOnly  = regexp.MustCompile(`^\(?([A-Da-d])[.)]?$`)
)

// rawQuiz is the reply shape before validation. Field aliases cover the
// variations models commonly produce.
type rawQuiz struct {
	Title     string        `json:"title"`
	Questions []rawQuestion `json:"questions"`
}

type rawQuestion struct {
	Category      string     `json:"category"`
	Type          string     `json:"type"`
	Text          string     `json:"text"`
	Question      string     `json:"question"`
	Options       []string   `json:"options"`
	Answer        flexString `json:"answer"`
	CorrectAnswer flexString `json:"correctAnswer"`
	Explanation   string     `json:"explanation"`
	Rubric        string     `json:"rubric"`
}

// flexString accepts a JSON string, number or boolean.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.(type) {
	case float64, bool:
		*f = flexString(string(b))
		return nil
	}
	return fmt.Errorf("answer must be a string, got %s", b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// question validates the raw item and returns it with every text field
// normalized.
func (r rawQuestion) question() (model.Question, error) {
	cat, err := model.ParseCategory(firstNonEmpty(r.Category, r.Type))
	if err != nil {
		return model.Question{}, err
	}
	q := model.Question{
		Kind:        cat.Kind(),
		Category:    cat,
		Text:        textnorm.Normalize(firstNonEmpty(r.Text, r.Question)),
		Answer:      textnorm.Normalize(firstNonEmpty(string(r.Answer), string(r.CorrectAnswer))),
		Explanation: textnorm.Normalize(r.Explanation),
		Rubric:      textnorm.Normalize(r.Rubric),
	}
	if q.Text == "" {
		return model.Question{}, errors.New("missing text")
	}
	if q.Answer == "" {
		return model.Question{}, errors.New("missing answer")
	}
	if q.Kind == model.KindMultipleChoice {
		q.Options, q.Answer, err = labelOptions(r.Options, q.Answer)
		if err != nil {
			return model.Question{}, err
		}
		q.Rubric = ""
	}
	return q, ValidateQuestion(q)
}

// labelOptions normalizes options to "A. text" form and resolves the answer
// to one of them. The answer may be the full option, its text without the
// label, or just the letter.
func labelOptions(options []string, answer string) ([]string, string, error) {
	if len(options) != OptionCount {
		return nil, "", fmt.Errorf("multiple choice needs exactly %d options, got %d", OptionCount, len(options))
	}
	labeled := make([]string, OptionCount)
	bodies := make([]string, OptionCount)
	originals := make([]string, OptionCount)
	for i, o := range options {
		o = textnorm.Normalize(o)
		body := strings.TrimSpace(optionLabel.ReplaceAllString(o, ""))
		if body == "" {
			return nil, "", fmt.Errorf("option %d is empty", i+1)
		}
		originals[i] = o
		bodies[i] = body
		labeled[i] = fmt.Sprintf("%c. %s", 'A'+i, body)
	}

	for i, o := range originals {
		if answer == o || answer == labeled[i] {
			return labeled, labeled[i], nil
		}
	}
	answerBody := strings.TrimSpace(optionLabel.ReplaceAllString(answer, ""))
	for i, b := range bodies {
		if strings.EqualFold(answerBody, b) {
			return labeled, labeled[i], nil
		}
	}
	if m := letterOnly.FindStringSubmatch(answer); m != nil {
		i := int(strings.ToUpper(m[1])[0] - 'A')
		return labeled, labeled[i], nil
	}
	return nil, "", fmt.Errorf("answer %q is not one of the options", answer)
}

// ValidateQuestion checks the structural invariants of a stored question:
// text and answer present, kind consistent with category, and for multiple
// choice exactly four pairwise distinct options containing the answer.
func ValidateQuestion(q model.Question) error {
	if !q.Category.Valid() {
		return fmt.Errorf("unknown category %q", q.Category)
	}
	if q.Kind != q.Category.Kind() {
		return fmt.Errorf("kind %s does not match category %s", q.Kind, q.Category)
	}
	if strings.TrimSpace(q.Text) == "" {
		return errors.New("missing text")
	}
	if strings.TrimSpace(q.Answer) == "" {
		return errors.New("missing answer")
	}
	if q.Kind != model.KindMultipleChoice {
		if len(q.Options) > 0 {
			return errors.New("short answer question has options")
		}
		return nil
	}
	if len(q.Options) != OptionCount {
		return fmt.Errorf("multiple choice needs exactly %d options, got %d", OptionCount, len(q.Options))
	}
	seen := make(map[string]bool, OptionCount)
	found := false
	for _, o := range q.Options {
		key := strings.ToLower(strings.TrimSpace(optionLabel.ReplaceAllString(o, "")))
		if seen[key] {
			return fmt.Errorf("duplicate option %q", o)
		}
		seen[key] = true
		if o == q.Answer {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("answer %q is not one of the options", q.Answer)
	}
	return nil
}

// Validate checks every question of a quiz and its distribution contract.
func Validate(q *model.Quiz) error {
	if len(q.Questions) == 0 {
		return errors.New("quiz has no questions")
	}
	ids := make(map[string]bool, len(q.Questions))
	for i, question := range q.Questions {
		if question.ID == "" || ids[question.ID] {
			return fmt.Errorf("question %d has a missing or duplicate id", i+1)
		}
		ids[question.ID] = true
		if err := ValidateQuestion(question); err != nil {
			return fmt.Errorf("question %s: %w", question.ID, err)
		}
	}
	if got := model.Counts(q.Questions); !got.Equal(q.Distribution) {
		return fmt.Errorf("distribution mismatch: requested %s, got %s", q.Distribution, got)
	}
	return nil
}
