package textnorm

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Exponential decay", "Exponential decay"},
		{"not equal", `x \neq 0`, "x ≠ 0"},
		{"inequalities", `a \leq b \geq c`, "a ≤ b ≥ c"},
		{"infinity and element", `n \to \infty, x \in S`, "n → ∞, x ∈ S"},
		{"longest command wins", `\int f \in \infty`, "∫ f ∈ ∞"},
		{"times and greek", `2 \times \pi r`, "2 × π r"},
		{"upper greek", `\Delta x`, "Δ x"},
		{"unknown command kept", `\frac{a}{b}`, `\frac{a}{b}`},
		{"inline math delimiters", `\(x^2\) and \[y\]`, "x^2 and y"},
		{"escaped backslash", `a \\ b`, `a \\ b`},
		{"thin space", `a\,b`, "a b"},
		{"backslash tab", "x \\\ty", "x y"},
		{"backslash nbsp", "\\\u00a0y", "y"},
		{"collapse spaces", "a   b\t\tc", "a b c"},
		{"trim lines", "  line one  \n\tline two ", "line one\nline two"},
		{"collapse blank lines", "para one\n\n\n\npara two", "para one\n\npara two"},
		{"crlf", "one\r\ntwo\rthree", "one\ntwo\nthree"},
		{"nbsp", "a  b", "a b"},
		{"ligature", "deﬁnition of ﬂow", "definition of flow"},
		{"hyphenated line break", "exponen-\ntial decay", "exponential decay"},
		{"hyphen before capital kept", "North-\nAmerica", "North-\nAmerica"},
		{"nfc", "café", "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		`x \neq y`,
		"  messy\t\ttext \n\n\n\n more  ",
		`\\(alpha`,
		`\ﬁ`,
		"x-\ny-\nz",
		"a - \n b",
		`trailing backslash \`,
		`$\(x\)$`,
		"ab-\n\ncd",
		"café \\sigma\\,\\,\\theta",
		"x \\\ty",
		"\\\u00a0y",
		"a\\\v0",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestJoinDocuments(t *testing.T) {
	got := JoinDocuments("first", "  ", "second")
	if got != "first\n\nsecond" {
		t.Errorf("JoinDocuments() = %q", got)
	}
	if JoinDocuments() != "" {
		t.Error("JoinDocuments() with no input should be empty")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate short = %q", got)
	}
	long := strings.Repeat("word ", 100)
	got := Truncate(long, 42)
	if n := len([]rune(got)); n > 42 {
		t.Errorf("Truncate returned %d runes, want <= 42", n)
	}
	if strings.HasSuffix(got, "wor") {
		t.Errorf("Truncate should cut on whitespace, got %q", got)
	}
	if got := Truncate("ααααα", 3); got != "ααα" {
		t.Errorf("Truncate runes = %q", got)
	}
	if Truncate("abc", 0) != "" {
		t.Error("Truncate(0) should be empty")
	}
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{
		`x \neq y`,
		"x \\\ty",
		"\\\u00a0y",
		"\\\v0",
		"ab-\ncd",
		`\(\alpha\)`,
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := Normalize(in)
		if twice := Normalize(once); once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	})
}
