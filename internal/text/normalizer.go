// Package text provides text normalization ahead of tokenization. Model
// tokenizers expect clean running prose: collapsed whitespace, plain
// punctuation, no control characters, abbreviations spelled out.
package text

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsisChar = "…"
)

// Normalizer cleans request text before tokenization. Patterns are compiled
// once and the normalizer is safe for concurrent use.
type Normalizer struct {
	whitespacePattern    *regexp.Regexp
	punctReplacer        *strings.Replacer
	abbreviationReplacer *strings.Replacer
}

// NewNormalizer creates a normalizer with precompiled patterns.
func NewNormalizer() *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Co.", "Company",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
	}

	return &Normalizer{
		whitespacePattern: regexp.MustCompile(`\s+`),
		punctReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, ", ",
			figureDash, "-",
			ellipsisChar, "...",
			"“", `"`,
			"”", `"`,
			"‘", "'",
			"’", "'",
			"\r\n", " ",
			"\t", " ",
		),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
	}
}

// Normalize returns the cleaned text. Abbreviations expand to their spoken
// form, control characters are dropped, punctuation variants collapse to
// their plain forms, and runs of whitespace collapse to a single space.
func (n *Normalizer) Normalize(input string) string {
	cleaned := n.abbreviationReplacer.Replace(input)
	cleaned = n.punctReplacer.Replace(cleaned)
	cleaned = stripControl(cleaned)
	cleaned = n.whitespacePattern.ReplaceAllString(cleaned, " ")

	return strings.TrimSpace(cleaned)
}

func stripControl(input string) string {
	var builder strings.Builder

	builder.Grow(len(input))

	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' {
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}
