// Package prompts renders the completion prompts used by the classifier,
// the quiz synthesizer and the answer evaluator.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/quizgen/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// System prompts sent alongside each rendered user prompt.
const (
	SubjectSystem  = "You are an expert teacher who classifies study materials by academic subject. You answer with a single subject name."
	TopicSystem    = "You are an expert curriculum designer who labels study materials with their unit, topic and subtopic."
	GenerateSystem = "You are a helpful assistant that generates practice questions based on study materials. You always respond with valid JSON."
	EvaluateSystem = "You are a helpful tutor evaluating student answers. You always respond with valid JSON."
)

// Variant represents a grading prompt variant.
type Variant string

const (
	// Strict grading for majors.
	Strict Variant = "strict"
	// Standard is the default grading variant.
	Standard Variant = "standard"
	// Lenient grading for electives.
	Lenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	Strict:   true,
	Standard: true,
	Lenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// schemaExample is embedded in the generation prompt so the model sees the
// exact object shape expected back.
const schemaExample = `{
  "title": "Practice Quiz: <topic>",
  "questions": [
    {
      "category": "multiple_choice",
      "text": "<question>",
      "options": ["A. <option>", "B. <option>", "C. <option>", "D. <option>"],
      "answer": "B. <option>",
      "explanation": "<why B is correct>"
    },
    {
      "category": "knowledge",
      "text": "<question>",
      "answer": "<expected answer>",
      "rubric": "<what a full-credit answer must mention>",
      "explanation": "<short rationale>"
    }
  ]
}`

var loadTemplates = sync.OnceValues(func() (*template.Template, error) {
	funcs := template.FuncMap{
		"join": func(items []string, sep string) string { return strings.Join(items, sep) },
	}
	tmpl, err := template.New("prompts").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return tmpl, nil
})

func render(name string, data any) (string, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Subject builds the subject classification prompt.
func Subject(excerpt string) (string, error) {
	names := make([]string, len(model.Subjects))
	for i, s := range model.Subjects {
		names[i] = string(s)
	}
	return render("subject.tmpl", struct {
		Subjects []string
		Excerpt  string
	}{names, excerpt})
}

// Topic builds the unit/topic/subtopic classification prompt.
func Topic(excerpt string, subject model.Subject) (string, error) {
	return render("topic.tmpl", struct {
		Subject model.Subject
		Excerpt string
	}{subject, excerpt})
}

// CategoryCount is one line of the requested distribution.
type CategoryCount struct {
	Category model.Category
	Label    string
	Count    int
}

// GenerateData holds template data for the quiz generation prompt.
type GenerateData struct {
	Grade        string
	Subject      model.Subject
	Topic        model.Topic
	Distribution model.Distribution
	Notes        string
	PastTest     string
}

// Generate builds the quiz generation prompt. Only categories with a
// non-zero count are listed.
func Generate(d GenerateData) (string, error) {
	var counts []CategoryCount
	for _, c := range model.Categories {
		if n := d.Distribution[c]; n > 0 {
			counts = append(counts, CategoryCount{Category: c, Label: c.Label(), Count: n})
		}
	}
	return render("generate.tmpl", struct {
		GenerateData
		Counts []CategoryCount
		Total  int
		Schema string
	}{d, counts, d.Distribution.Total(), schemaExample})
}

// EvalData holds template data for short-answer evaluation prompts.
type EvalData struct {
	Question string
	Expected string
	Rubric   string
	Answer   string
}

// Evaluate builds a short-answer grading prompt using the given variant.
// An unknown variant falls back to Standard.
func Evaluate(variant Variant, d EvalData) (string, error) {
	if !validVariants[variant] {
		variant = Standard
	}
	d.Answer = sanitizeAnswer(d.Answer)
	return render("evaluate_"+string(variant)+".tmpl", d)
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
