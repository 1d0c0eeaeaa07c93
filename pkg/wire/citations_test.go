package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentia-ai/consult/pkg/models"
)

func TestIsValidCitation(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  bool
	}{
		{
			name:  "object with string id",
			input: map[string]any{"id": "cit-1"},
			want:  true,
		},
		{
			name:  "object with string source",
			input: map[string]any{"source": "pubmed"},
			want:  true,
		},
		{
			name:  "object with string reference",
			input: map[string]any{"reference": "Smith 2020"},
			want:  true,
		},
		{
			name:  "empty string id still counts",
			input: map[string]any{"id": ""},
			want:  true,
		},
		{
			name:  "object with only optional fields",
			input: map[string]any{"title": "A paper", "journal": "JAMA"},
			want:  false,
		},
		{
			name:  "numeric id rejected",
			input: map[string]any{"id": float64(7)},
			want:  false,
		},
		{
			name:  "nil",
			input: nil,
			want:  false,
		},
		{
			name:  "string",
			input: "not a citation",
			want:  false,
		},
		{
			name:  "array",
			input: []any{"id"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidCitation(tt.input))
		})
	}
}

func TestNormalizeCitations(t *testing.T) {
	t.Run("non-array input yields empty list", func(t *testing.T) {
		for _, raw := range []any{nil, "x", float64(3), true, map[string]any{"id": "a"}} {
			got := NormalizeCitations(raw)
			require.NotNil(t, got)
			assert.Empty(t, got)
		}
	})

	t.Run("invalid entries are filtered, valid kept", func(t *testing.T) {
		raw := []any{
			map[string]any{"id": "cit-1", "title": "First"},
			"garbage",
			nil,
			float64(42),
			map[string]any{"title": "no anchor field"},
			map[string]any{"source": "pubmed", "title": "Second"},
		}

		got := NormalizeCitations(raw)
		require.Len(t, got, 2)
		assert.Equal(t, "cit-1", got[0].ID)
		assert.Equal(t, "First", got[0].Title)
		assert.Equal(t, "pubmed", got[1].Source)
		assert.Equal(t, "Second", got[1].Title)
	})

	t.Run("full field extraction", func(t *testing.T) {
		raw := []any{map[string]any{
			"id":              "cit-9",
			"title":           "Evidence synthesis at scale",
			"authors":         []any{"Okafor N", "Lindqvist A"},
			"publicationYear": float64(2021),
			"doi":             "10.1000/xyz",
			"pubmedId":        "33445566",
			"journal":         "BMJ",
			"sourceType":      "review",
			"relevanceScore":  0.87,
			"snippet":         "…consistent effect across trials…",
		}}

		got := NormalizeCitations(raw)
		require.Len(t, got, 1)
		c := got[0]
		assert.Equal(t, "cit-9", c.ID)
		assert.Equal(t, "Evidence synthesis at scale", c.Title)
		assert.Equal(t, []string{"Okafor N", "Lindqvist A"}, c.Authors)
		require.NotNil(t, c.PublicationYear)
		assert.Equal(t, 2021, *c.PublicationYear)
		assert.Equal(t, "10.1000/xyz", c.DOI)
		assert.Equal(t, "33445566", c.PubmedID)
		assert.Equal(t, "BMJ", c.Journal)
		assert.Equal(t, "review", c.SourceType)
		require.NotNil(t, c.RelevanceScore)
		assert.InDelta(t, 0.87, *c.RelevanceScore, 1e-9)
		assert.Equal(t, "…consistent effect across trials…", c.Snippet)
	})

	t.Run("mistyped optional fields are tolerated", func(t *testing.T) {
		raw := []any{map[string]any{
			"id":              "cit-2",
			"title":           float64(123),
			"authors":         "not a list",
			"publicationYear": "2020",
			"relevanceScore":  "high",
		}}

		got := NormalizeCitations(raw)
		require.Len(t, got, 1)
		c := got[0]
		assert.Equal(t, "cit-2", c.ID)
		assert.Empty(t, c.Title)
		assert.Nil(t, c.Authors)
		assert.Nil(t, c.PublicationYear)
		assert.Nil(t, c.RelevanceScore)
	})

	t.Run("non-string authors entries are skipped", func(t *testing.T) {
		raw := []any{map[string]any{
			"id":      "cit-3",
			"authors": []any{"Okafor N", float64(1), nil, "Lindqvist A"},
		}}

		got := NormalizeCitations(raw)
		require.Len(t, got, 1)
		assert.Equal(t, []string{"Okafor N", "Lindqvist A"}, got[0].Authors)
	})

	t.Run("decoded JSON round trip", func(t *testing.T) {
		var raw any
		payload := `[{"id":"cit-7","title":"T","publicationYear":2019},null,{"reference":"Okafor 2019"}]`
		require.NoError(t, json.Unmarshal([]byte(payload), &raw))

		got := NormalizeCitations(raw)
		require.Len(t, got, 2)
		assert.Equal(t, "cit-7", got[0].ID)
		require.NotNil(t, got[0].PublicationYear)
		assert.Equal(t, 2019, *got[0].PublicationYear)
		assert.Equal(t, "Okafor 2019", got[1].Reference)
	})
}

func TestNormalizeCitationsNeverPanics(t *testing.T) {
	inputs := []any{
		[]any{map[string]any{"id": nil}},
		[]any{map[string]any{}},
		[]any{[]any{}},
		models.Citation{},
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { NormalizeCitations(in) })
	}
}
