// Package text_test tests request-text normalization.
package text_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/book-expert/voice-clone-service/internal/text"
)

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Equal(t, "hello world", normalizer.Normalize("  hello \n\n  world \t "))
}

func TestNormalizeReplacesPunctuationVariants(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Equal(t, "wait, what...", normalizer.Normalize("wait—what…"))
}

func TestNormalizeStripsControlCharacters(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Equal(t, "clean text", normalizer.Normalize("clean\x00 \x07text"))
}

func TestNormalizeExpandsAbbreviations(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Equal(
		t,
		"Doctor Smith met Mister Jones",
		normalizer.Normalize("Dr. Smith met Mr. Jones"),
	)
}

func TestNormalizeSmartQuotes(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Equal(t, `"quoted" and 'single'`, normalizer.Normalize("“quoted” and ‘single’"))
}

func TestNormalizeEmptyInput(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	assert.Empty(t, normalizer.Normalize("   "))
}
