package classify

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/quizgen/internal/model"
)

//go:embed vocabulary.yaml
var vocabularyYAML []byte

// minSubjectHits is the number of distinct vocabulary terms a subject needs
// before the heuristic will name it.
const minSubjectHits = 2

const maxHeadingWords = 8

var headingRegex = regexp.MustCompile(`(?mi)^[ \t]*(chapter|unit|module|topic|lesson|section)\b[ \t]*(?:(?:[0-9]+(?:\.[0-9]+)*|[ivx]+)\b[ \t]*[:.\-–—]?|[:\-–—])[ \t]*(\S.*)$`)

var generalRegex = regexp.MustCompile(`(?i)\bgeneral\b`)

// Vocabulary maps each subject to units of recognizable terms.
type Vocabulary struct {
	subjects map[model.Subject][]unit
}

type unit struct {
	name  string
	terms []term
}

type term struct {
	text string
	re   *regexp.Regexp
}

type vocabularyUnit struct {
	Unit  string   `yaml:"unit"`
	Terms []string `yaml:"terms"`
}

// ParseVocabulary reads a YAML document mapping subject names to lists of
// units and their terms.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var raw map[string][]vocabularyUnit
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	v := &Vocabulary{subjects: make(map[model.Subject][]unit, len(raw))}
	for name, units := range raw {
		subj, ok := model.LookupSubject(name)
		if !ok {
			return nil, fmt.Errorf("vocabulary: unknown subject %q", name)
		}
		for _, u := range units {
			if strings.TrimSpace(u.Unit) == "" {
				return nil, fmt.Errorf("vocabulary: %s has a unit without a name", subj)
			}
			parsed := unit{name: strings.TrimSpace(u.Unit)}
			for _, t := range u.Terms {
				t = strings.ToLower(strings.TrimSpace(t))
				if t == "" {
					continue
				}
				parsed.terms = append(parsed.terms, term{
					text: t,
					re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `(?:s|es)?\b`),
				})
			}
			v.subjects[subj] = append(v.subjects[subj], parsed)
		}
	}
	return v, nil
}

var defaultVocabulary = sync.OnceValues(func() (*Vocabulary, error) {
	return ParseVocabulary(vocabularyYAML)
})

// DefaultVocabulary returns the vocabulary compiled into the binary.
func DefaultVocabulary() (*Vocabulary, error) {
	return defaultVocabulary()
}

type hit struct {
	term  string
	count int
}

// hits returns the terms of u found in text, most frequent first.
func (u unit) hits(text string) ([]hit, int) {
	var hits []hit
	total := 0
	for _, t := range u.terms {
		if n := len(t.re.FindAllStringIndex(text, -1)); n > 0 {
			hits = append(hits, hit{term: t.text, count: n})
			total += n
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].count > hits[j].count })
	return hits, total
}

// GuessSubject returns the subject whose vocabulary has the most distinct
// terms in text. It reports false without a clear winner.
func (v *Vocabulary) GuessSubject(text string) (model.Subject, bool) {
	var best model.Subject
	bestN, second := 0, 0
	for _, s := range model.Subjects {
		seen := make(map[string]bool)
		for _, u := range v.subjects[s] {
			hits, _ := u.hits(text)
			for _, h := range hits {
				seen[h.term] = true
			}
		}
		switch n := len(seen); {
		case n > bestN:
			best, bestN, second = s, n, bestN
		case n > second:
			second = n
		}
	}
	if bestN < minSubjectHits || bestN == second {
		return "", false
	}
	return best, true
}

// GuessTopic derives a topic from the subject's vocabulary and from section
// headings such as "Chapter 3: Exponential Functions". It reports false
// when it cannot name both a unit and a topic.
func (v *Vocabulary) GuessTopic(text string, subject model.Subject) (model.Topic, bool) {
	var (
		unitName  string
		unitTerms []hit
		bestTotal int
	)
	for _, u := range v.subjects[subject] {
		hits, total := u.hits(text)
		if total > bestTotal {
			unitName, unitTerms, bestTotal = u.name, hits, total
		}
	}

	heads := headings(text)

	var t model.Topic
	t.Unit = unitName
	if t.Unit == "" {
		t.Unit = firstHeading(heads, "", "chapter", "unit", "module")
	}
	if t.Unit == "" && len(heads) > 0 {
		t.Unit = heads[0].title
	}

	// A Caser keeps state, so each call gets its own.
	titleCaser := cases.Title(language.English)
	next := 0
	t.Topic = firstHeading(heads, t.Unit, "topic", "lesson", "section")
	if t.Topic == "" && len(unitTerms) > 0 {
		t.Topic = titleCaser.String(unitTerms[0].term)
		next = 1
	}
	if t.Topic == "" {
		t.Topic = firstHeading(heads, t.Unit)
	}
	if next < len(unitTerms) {
		if sub := titleCaser.String(unitTerms[next].term); !strings.EqualFold(sub, t.Topic) {
			t.Subtopic = sub
		}
	}

	if !validTopic(t) {
		return model.Topic{}, false
	}
	return t, true
}

type heading struct {
	marker string
	title  string
}

func headings(text string) []heading {
	var out []heading
	for _, m := range headingRegex.FindAllStringSubmatch(text, -1) {
		title := strings.TrimRightFunc(strings.TrimSpace(m[2]), func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSpace(r)
		})
		if title == "" || len(strings.Fields(title)) > maxHeadingWords || !strings.ContainsFunc(title, unicode.IsLetter) {
			continue
		}
		if generalRegex.MatchString(title) {
			continue
		}
		out = append(out, heading{marker: strings.ToLower(m[1]), title: title})
	}
	return out
}

// firstHeading returns the first heading title other than exclude whose
// marker is one of markers, or any marker when none are given.
func firstHeading(heads []heading, exclude string, markers ...string) string {
	for _, h := range heads {
		if exclude != "" && strings.EqualFold(h.title, exclude) {
			continue
		}
		if len(markers) == 0 {
			return h.title
		}
		for _, m := range markers {
			if h.marker == m {
				return h.title
			}
		}
	}
	return ""
}

func validTopic(t model.Topic) bool {
	if strings.TrimSpace(t.Unit) == "" || strings.TrimSpace(t.Topic) == "" {
		return false
	}
	return !generalRegex.MatchString(t.Unit) && !generalRegex.MatchString(t.Topic)
}
