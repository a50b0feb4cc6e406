package model

// VerificationInput is what the verification capability receives for one
// fetched document
type VerificationInput struct {
	URL             string           `json:"url"`
	RawText         string           `json:"raw_text"`
	SubjectName     string           `json:"subject_name"`
	ExtractedFields []ExtractedField `json:"extracted_fields"`
	Citations       []string         `json:"citations"` // URLs the document cites; the allowlist for SourceURL
}

// ExtractedField is a candidate fact proposed by an extractor
type ExtractedField struct {
	Field           Field   `json:"field"`
	Value           string  `json:"value"`
	CitationSnippet string  `json:"citation_snippet"`
	Confidence      float64 `json:"confidence"`
	IsFact          bool    `json:"is_fact"`
	SourceURL       string  `json:"source_url,omitempty"`
}

// Hypothesis is a speculative lead; it must carry IsFact=false
type Hypothesis struct {
	Statement       string  `json:"statement"`
	Field           Field   `json:"field,omitempty"`
	Value           string  `json:"value,omitempty"`
	SuggestedQuery  string  `json:"suggested_query,omitempty"`
	CitationSnippet string  `json:"citation_snippet,omitempty"`
	Confidence      float64 `json:"confidence"`
	IsFact          bool    `json:"is_fact"`
}

// HallucinationFlag is the capability's own report of an unsupported field
type HallucinationFlag struct {
	Field  Field  `json:"field"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// VerificationOutput is returned by the verification capability and is
// untrusted until it passes the firewall
type VerificationOutput struct {
	VerifiedFields     []ExtractedField    `json:"verified_fields"`
	Hypotheses         []Hypothesis        `json:"hypotheses"`
	HallucinationFlags []HallucinationFlag `json:"hallucination_flags"`
}
