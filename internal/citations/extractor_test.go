package citations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repflow/orchestrator/internal/models"
)

func TestExtractMatchesResults(t *testing.T) {
	results := []models.SearchResult{
		{Title: "Refund policy", URL: "https://docs.example.com/refunds",
			Content: "Refunds take five business days.", RelevanceScore: 0.85},
	}
	text := "Refunds take five days [Source: https://docs.example.com/refunds]."

	cs := Extract(text, results)
	require.Len(t, cs, 1)
	assert.Equal(t, "Refund policy", cs[0].Source)
	assert.Equal(t, "https://docs.example.com/refunds", cs[0].URL)
	assert.Equal(t, 0.85, cs[0].Confidence)
	assert.Equal(t, "Refunds take five business days.", cs[0].Snippet)
}

func TestExtractDeduplicatesRepeatedURL(t *testing.T) {
	text := "First [Source: https://x/y] and again [Source: https://x/y]."
	cs := Extract(text, nil)
	require.Len(t, cs, 1)
	assert.Equal(t, "https://x/y", cs[0].URL)
}

func TestExtractUnmatchedCitation(t *testing.T) {
	text := "Claim [Source: https://elsewhere.example.com/page]."
	cs := Extract(text, []models.SearchResult{{URL: "https://docs.example.com/other"}})
	require.Len(t, cs, 1)
	assert.Equal(t, "Referenced source", cs[0].Source)
	assert.Equal(t, 0.7, cs[0].Confidence)
	assert.Empty(t, cs[0].Snippet)
}

func TestExtractPreservesFirstOccurrenceOrder(t *testing.T) {
	text := "[Source: https://a] then [Source: https://b] then [Source: https://a]"
	cs := Extract(text, nil)
	require.Len(t, cs, 2)
	assert.Equal(t, "https://a", cs[0].URL)
	assert.Equal(t, "https://b", cs[1].URL)
}

func TestExtractTolerantOfWhitespace(t *testing.T) {
	cs := Extract("[Source:   https://x/y]", nil)
	require.Len(t, cs, 1)
	assert.Equal(t, "https://x/y", cs[0].URL)
}

func TestExtractTruncatesLongSnippets(t *testing.T) {
	long := strings.Repeat("a", 500)
	results := []models.SearchResult{{Title: "T", URL: "https://x", Content: long, RelevanceScore: 0.5}}
	cs := Extract("[Source: https://x]", results)
	require.Len(t, cs, 1)
	assert.Len(t, cs[0].Snippet, 203)
	assert.True(t, strings.HasSuffix(cs[0].Snippet, "..."))
}

func TestExtractNoMarkers(t *testing.T) {
	assert.Nil(t, Extract("no citations here", nil))
}

func TestExtractIgnoresNonHTTPSchemes(t *testing.T) {
	assert.Nil(t, Extract("[Source: ftp://x/y]", nil))
}
