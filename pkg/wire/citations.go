package wire

import "github.com/evidentia-ai/consult/pkg/models"

// IsValidCitation reports whether a raw decoded JSON value is a usable
// citation: an object carrying a string id, a string source, or a string
// reference. Primitives, nulls, and objects with only optional fields are
// rejected. Empty strings count — the backend sometimes emits placeholder
// ids and dropping those would lose the citation entirely.
func IsValidCitation(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m["id"].(string); ok {
		return true
	}
	if _, ok := m["source"].(string); ok {
		return true
	}
	if _, ok := m["reference"].(string); ok {
		return true
	}
	return false
}

// NormalizeCitations filters an arbitrary decoded JSON value down to valid
// citations. Non-array input yields an empty list; it never panics. Absent,
// null, or mistyped optional fields on individual entries are tolerated and
// simply left at their zero values.
func NormalizeCitations(raw any) []models.Citation {
	out := []models.Citation{}
	list, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, entry := range list {
		if !IsValidCitation(entry) {
			continue
		}
		out = append(out, citationFromMap(entry.(map[string]any)))
	}
	return out
}

// citationFromMap extracts citation fields one by one instead of
// re-marshaling through encoding/json: a single mistyped optional field must
// not discard the rest of the entry.
func citationFromMap(m map[string]any) models.Citation {
	c := models.Citation{
		ID:         stringField(m, "id"),
		Title:      stringField(m, "title"),
		DOI:        stringField(m, "doi"),
		PubmedID:   stringField(m, "pubmedId"),
		Journal:    stringField(m, "journal"),
		SourceType: stringField(m, "sourceType"),
		Snippet:    stringField(m, "snippet"),
		Source:     stringField(m, "source"),
		Reference:  stringField(m, "reference"),
	}
	if authors, ok := m["authors"].([]any); ok {
		for _, a := range authors {
			if s, ok := a.(string); ok {
				c.Authors = append(c.Authors, s)
			}
		}
	}
	if year, ok := m["publicationYear"].(float64); ok {
		y := int(year)
		c.PublicationYear = &y
	}
	if score, ok := m["relevanceScore"].(float64); ok {
		s := score
		c.RelevanceScore = &s
	}
	return c
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
