// Package classify labels lecture notes with a subject and a
// unit/topic/subtopic triple. Each label comes from one low-temperature
// completion whose reply is validated strictly; a keyword heuristic over a
// fixed vocabulary takes over when the reply cannot be trusted.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pavelanni/quizgen/internal/llm"
	"github.com/pavelanni/quizgen/internal/llm/prompts"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/textnorm"
)

// Classification stages reported in ClassificationError.
const (
	StageSubject = "subject"
	StageTopic   = "topic"
)

const (
	subjectExcerptRunes = 2000
	topicExcerptRunes   = 3000

	subjectTemperature = 0.1
	topicTemperature   = 0.2
	subjectMaxTokens   = 10
	topicMaxTokens     = 100
)

// ClassificationError means a label could not be determined from either the
// model's reply or the keyword fallback.
type ClassificationError struct {
	Stage string
	Reply string // last model reply, empty if the completion failed
	Err   error  // completion error, if any
}

func (e *ClassificationError) Error() string {
	msg := "could not determine " + e.Stage
	if e.Reply != "" {
		msg += fmt.Sprintf(" (model replied %q)", e.Reply)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

var (
	unitLine     = labeledLine("unit")
	topicLine    = labeledLine("topic")
	subtopicLine = labeledLine("subtopic")
)

func labeledLine(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?mi)^[ \t*#>-]*` + label + `[ \t*]*:[ \t*]*(.+?)[ \t*]*$`)
}

var subjectPatterns = func() map[model.Subject]*regexp.Regexp {
	m := make(map[model.Subject]*regexp.Regexp, len(model.Subjects))
	for _, s := range model.Subjects {
		m[s] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(string(s)) + `\b`)
	}
	return m
}()

var placeholders = map[string]bool{"n/a": true, "na": true, "none": true, "unknown": true, "-": true}

// Classifier assigns subjects and topics to notes.
type Classifier struct {
	llm    llm.Completer
	vocab  *Vocabulary
	logger *slog.Logger
}

// New creates a Classifier. A nil logger uses slog.Default().
func New(c llm.Completer, vocab *Vocabulary, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: c, vocab: vocab, logger: logger}
}

// ClassifySubject returns the subject of the notes. The reply must name
// exactly one subject of the closed enumeration.
func (c *Classifier) ClassifySubject(ctx context.Context, notes string) (model.Subject, error) {
	excerpt := textnorm.Truncate(notes, subjectExcerptRunes)
	prompt, err := prompts.Subject(excerpt)
	if err != nil {
		return "", err
	}

	reply, err := c.llm.Complete(ctx, prompt, prompts.SubjectSystem, llm.Options{
		Temperature: subjectTemperature,
		MaxTokens:   subjectMaxTokens,
	})
	if err == nil {
		if s, ok := matchSubject(reply); ok {
			return s, nil
		}
		c.logger.Warn("subject reply not recognized", "reply", reply)
	} else {
		c.logger.Warn("subject classification failed", "error", err)
	}

	if c.vocab != nil {
		if s, ok := c.vocab.GuessSubject(excerpt); ok {
			c.logger.Info("subject from keyword fallback", "subject", s)
			return s, nil
		}
	}
	return "", &ClassificationError{Stage: StageSubject, Reply: strings.TrimSpace(reply), Err: err}
}

// ClassifyTopic returns the unit, topic and subtopic of the notes.
func (c *Classifier) ClassifyTopic(ctx context.Context, notes string, subject model.Subject) (model.Topic, error) {
	excerpt := textnorm.Truncate(notes, topicExcerptRunes)
	prompt, err := prompts.Topic(excerpt, subject)
	if err != nil {
		return model.Topic{}, err
	}

	reply, err := c.llm.Complete(ctx, prompt, prompts.TopicSystem, llm.Options{
		Temperature: topicTemperature,
		MaxTokens:   topicMaxTokens,
	})
	if err == nil {
		if t, ok := parseTopic(reply); ok {
			return t, nil
		}
		c.logger.Warn("topic reply rejected", "reply", reply)
	} else {
		c.logger.Warn("topic classification failed", "error", err)
	}

	if c.vocab != nil {
		if t, ok := c.vocab.GuessTopic(excerpt, subject); ok {
			c.logger.Info("topic from keyword fallback", "topic", t.String())
			return t, nil
		}
	}
	return model.Topic{}, &ClassificationError{Stage: StageTopic, Reply: strings.TrimSpace(reply), Err: err}
}

func matchSubject(reply string) (model.Subject, bool) {
	s := strings.TrimSpace(reply)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`.,;:!?*()[]")
	if lower := strings.ToLower(s); strings.HasPrefix(lower, "subject:") {
		s = strings.Trim(s[len("subject:"):], " \t\"'`.,;:!?*()[]")
	}
	if subj, ok := model.LookupSubject(s); ok {
		return subj, true
	}

	var found []model.Subject
	for _, subj := range model.Subjects {
		if subjectPatterns[subj].MatchString(s) {
			found = append(found, subj)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return "", false
}

func parseTopic(reply string) (model.Topic, bool) {
	t := model.Topic{
		Unit:     labeled(unitLine, reply),
		Topic:    labeled(topicLine, reply),
		Subtopic: labeled(subtopicLine, reply),
	}
	if placeholder(t.Subtopic) {
		t.Subtopic = ""
	}
	if placeholder(t.Unit) || placeholder(t.Topic) {
		return model.Topic{}, false
	}
	return t, validTopic(t)
}

func labeled(re *regexp.Regexp, reply string) string {
	m := re.FindStringSubmatch(reply)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"'`+"`")
}

func placeholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "" || placeholders[v] || generalRegex.MatchString(v)
}
