// Package variator rewrites message templates into unique-looking bodies.
// Vary is a pure function with no persistent state; determinism is
// explicitly unwanted — the same input may legitimately yield different
// output on different calls.
package variator

import (
	"math/rand"
	"regexp"
	"strings"
	"unicode/utf8"
)

var spinRE = regexp.MustCompile(`\{([^{}]+)\}`)

// zeroWidth code points inserted for per-send uniqueness: zero-width space,
// zero-width non-joiner, zero-width joiner.
var zeroWidthRunes = []rune{'​', '‌', '‍'}

var emojis = []string{"🙂", "👍", "🙏", "✨", "✅"}

// synonyms is a small closed dictionary; the term on the left is replaced
// with a uniformly-chosen entry on the right with 30% probability.
var synonyms = map[string][]string{
	"hello":  {"hi", "hey", "greetings"},
	"hi":     {"hello", "hey"},
	"thanks": {"thank you", "much appreciated", "cheers"},
	"please": {"kindly", "if you could"},
	"great":  {"awesome", "excellent", "fantastic"},
	"quick":  {"fast", "brief", "short"},
	"sorry":  {"apologies", "my apologies"},
}

// Rand is the source of randomness used by Vary. Tests may replace it with
// a seeded *rand.Rand for reproducible assertions; production code leaves
// it nil and gets the package-level default.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// Vary resolves spin tags, swaps synonyms, and sprinkles invisible
// characters and punctuation jitter into template, in the fixed order
// described by the variation rules. A nil r uses math/rand's global source.
func Vary(template string, r Rand) string {
	if r == nil {
		r = globalRand{}
	}
	s := resolveSpin(template, r)
	s = applySynonyms(s, r)
	s = insertZeroWidth(s, r)
	s = jitterSpacing(s, r)
	s = jitterPunctuation(s, r)
	s = maybeAppendEmoji(s, r)
	return s
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) Intn(n int) int   { return rand.Intn(n) }

// resolveSpin recursively resolves {A|B|C} alternations by uniform choice,
// tolerating input with no braces at all.
func resolveSpin(s string, r Rand) string {
	for {
		loc := spinRE.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		options := strings.Split(s[loc[2]:loc[3]], "|")
		choice := options[r.Intn(len(options))]
		s = s[:loc[0]] + choice + s[loc[1]:]
	}
}

// applySynonyms replaces whole-word dictionary terms with a synonym with
// 30% probability per occurrence.
func applySynonyms(s string, r Rand) string {
	words := strings.Fields(s)
	for i, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,!?"))
		opts, ok := synonyms[lower]
		if !ok {
			continue
		}
		if r.Float64() >= 0.30 {
			continue
		}
		repl := opts[r.Intn(len(opts))]
		words[i] = preserveCase(w, repl)
	}
	return strings.Join(words, " ")
}

func preserveCase(orig, repl string) string {
	if orig == "" || repl == "" {
		return repl
	}
	r, _ := utf8.DecodeRuneInString(orig)
	if r >= 'A' && r <= 'Z' {
		return strings.ToUpper(repl[:1]) + repl[1:]
	}
	return repl
}

// insertZeroWidth inserts one to three zero-width code points at
// uniformly-chosen byte-safe positions (rune boundaries).
func insertZeroWidth(s string, r Rand) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	n := 1 + r.Intn(3)
	for k := 0; k < n; k++ {
		pos := r.Intn(len(runes) + 1)
		zw := zeroWidthRunes[r.Intn(len(zeroWidthRunes))]
		runes = append(runes[:pos], append([]rune{zw}, runes[pos:]...)...)
	}
	return string(runes)
}

// jitterSpacing appends a trailing space with 10% probability and prepends
// a leading space with 5% probability.
func jitterSpacing(s string, r Rand) string {
	if r.Float64() < 0.10 {
		s = s + " "
	}
	if r.Float64() < 0.05 {
		s = " " + s
	}
	return s
}

// jitterPunctuation upgrades a trailing "!" run to "!!" with 20%
// probability, and appends "." with 10% probability when there is no
// terminal punctuation already.
func jitterPunctuation(s string, r Rand) string {
	trimmed := strings.TrimRight(s, " ")
	if strings.HasSuffix(trimmed, "!") && r.Float64() < 0.20 {
		return s + "!"
	}
	if trimmed != "" {
		last := trimmed[len(trimmed)-1]
		if last != '.' && last != '!' && last != '?' && r.Float64() < 0.10 {
			return s + "."
		}
	}
	return s
}

// maybeAppendEmoji appends a space and a random emoji from a small closed
// set with 30% probability.
func maybeAppendEmoji(s string, r Rand) string {
	if r.Float64() < 0.30 {
		return s + " " + emojis[r.Intn(len(emojis))]
	}
	return s
}
