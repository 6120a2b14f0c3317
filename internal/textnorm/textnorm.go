// Package textnorm cleans text extracted from lecture notes and model output
// so that prompts, stored quizzes and grading all see one canonical form.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// commands maps LaTeX-style command names (without the backslash) to glyphs.
var commands = map[string]string{
	"neq": "≠", "ne": "≠",
	"leq": "≤", "le": "≤",
	"geq": "≥", "ge": "≥",
	"ll": "≪", "gg": "≫",
	"approx": "≈", "equiv": "≡", "sim": "∼", "propto": "∝",
	"infty": "∞",
	"in":    "∈", "notin": "∉", "ni": "∋",
	"subset": "⊂", "subseteq": "⊆", "supset": "⊃", "supseteq": "⊇",
	"cup": "∪", "cap": "∩", "emptyset": "∅", "varnothing": "∅",
	"forall": "∀", "exists": "∃", "neg": "¬", "land": "∧", "lor": "∨",
	"times": "×", "cdot": "·", "div": "÷", "pm": "±", "mp": "∓",
	"sqrt": "√", "sum": "∑", "prod": "∏", "int": "∫", "oint": "∮",
	"partial": "∂", "nabla": "∇", "circ": "°", "degree": "°",
	"to": "→", "rightarrow": "→", "leftarrow": "←", "leftrightarrow": "↔",
	"Rightarrow": "⇒", "Leftarrow": "⇐", "Leftrightarrow": "⇔", "implies": "⇒", "iff": "⇔",
	"uparrow": "↑", "downarrow": "↓",
	"angle": "∠", "perp": "⊥", "parallel": "∥", "triangle": "△",
	"alpha": "α", "beta": "β", "gamma": "γ", "delta": "δ", "epsilon": "ε",
	"varepsilon": "ε", "zeta": "ζ", "eta": "η", "theta": "θ", "vartheta": "ϑ",
	"iota": "ι", "kappa": "κ", "lambda": "λ", "mu": "μ", "nu": "ν", "xi": "ξ",
	"pi": "π", "rho": "ρ", "sigma": "σ", "tau": "τ", "upsilon": "υ",
	"phi": "φ", "varphi": "φ", "chi": "χ", "psi": "ψ", "omega": "ω",
	"Gamma": "Γ", "Delta": "Δ", "Theta": "Θ", "Lambda": "Λ", "Xi": "Ξ",
	"Pi": "Π", "Sigma": "Σ", "Upsilon": "Υ", "Phi": "Φ", "Psi": "Ψ", "Omega": "Ω",
}

// ligatures produced by PDF text extraction.
var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
)

// Normalize converts math commands to glyphs and collapses extraction
// whitespace. It never fails and Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = replaceCommands(s)
	s = ligatures.Replace(s)
	s = norm.NFC.String(s)
	s = collapseWhitespace(s)
	s = joinHyphenated(s)
	return s
}

// replaceCommands rewrites \name sequences found in the commands table and
// drops the \( \) \[ \] inline math delimiters. Unknown commands and
// escaped backslashes are kept verbatim.
func replaceCommands(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			i++
			continue
		}
		next := s[i+1]
		switch {
		case next == '\\':
			b.WriteString(`\\`)
			i += 2
		case next == '(' || next == ')' || next == '[' || next == ']':
			i += 2
		case next == ',' || next == ';':
			b.WriteByte(' ')
			i += 2
		case isSpacingEscape(s[i+1:]):
			// Any whitespace after a backslash is a spacing command.
			_, size := utf8.DecodeRuneInString(s[i+1:])
			b.WriteByte(' ')
			i += 1 + size
		case isASCIILetter(next):
			j := i + 1
			for j < len(s) && isASCIILetter(s[j]) {
				j++
			}
			if glyph, ok := commands[s[i+1:j]]; ok {
				b.WriteString(glyph)
			} else {
				b.WriteString(s[i:j])
			}
			i = j
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func isSpacingEscape(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != '\n' && unicode.IsSpace(r)
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// collapseWhitespace squeezes horizontal whitespace, trims every line and
// keeps at most one blank line between paragraphs.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, isHorizontalSpace), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func isHorizontalSpace(r rune) bool {
	return r != '\n' && unicode.IsSpace(r)
}

// joinHyphenated removes "-\n" between a letter and a lowercase letter,
// undoing words split across lines by the PDF extractor.
func joinHyphenated(s string) string {
	if !strings.Contains(s, "-\n") {
		return s
	}
	runes := []rune(s)
	out := make([]rune, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		if runes[i] == '-' && i > 0 && i+2 < len(runes) &&
			runes[i+1] == '\n' && unicode.IsLetter(runes[i-1]) && unicode.IsLower(runes[i+2]) {
			i++
			continue
		}
		out = append(out, runes[i])
	}
	return string(out)
}

// JoinDocuments combines the text of several extracted documents with a
// blank line between them, skipping empty ones.
func JoinDocuments(texts ...string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Truncate returns at most n runes of s, cut at the last whitespace when one
// exists in the final tenth of the window.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := n
	for i := n; i > n-n/10 && i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}
