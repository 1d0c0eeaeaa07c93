package models

// Citation is a piece of literature evidence backing an assistant claim.
// Every field except the identifying ones is optional on the wire; any of
// them may be absent or null and decoding must tolerate both.
//
// A citation is considered valid only if it carries at least one of ID,
// Source, or Reference — see pkg/wire for normalization rules.
type Citation struct {
	ID              string   `json:"id,omitempty"`
	Title           string   `json:"title,omitempty"`
	Authors         []string `json:"authors,omitempty"`
	PublicationYear *int     `json:"publicationYear,omitempty"`
	DOI             string   `json:"doi,omitempty"`
	PubmedID        string   `json:"pubmedId,omitempty"`
	Journal         string   `json:"journal,omitempty"`
	SourceType      string   `json:"sourceType,omitempty"`
	RelevanceScore  *float64 `json:"relevanceScore,omitempty"`
	Snippet         string   `json:"snippet,omitempty"`
	Source          string   `json:"source,omitempty"`
	Reference       string   `json:"reference,omitempty"`
}
