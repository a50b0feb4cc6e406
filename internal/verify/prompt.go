package verify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/lineage/internal/model"
)

const systemPrompt = `You verify genealogical facts against a single source document. You never use outside knowledge.
Reply with one JSON object: {"verified_fields": [...], "hypotheses": [...], "hallucination_flags": [...]}.`

// BuildPrompt renders the user message for one document
func BuildPrompt(in model.VerificationInput) string {
	proposed, _ := json.MarshalIndent(in.ExtractedFields, "", "  ")
	text := in.RawText
	if r := []rune(text); len(r) > maxDocumentChars {
		text = string(r[:maxDocumentChars])
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Subject: %s
Document URL: %s

RULES:
1. A verified field needs a citation_snippet copied verbatim from the document, is_fact=true and a confidence in [0,1].
2. The value must appear in the document. Do not normalize names or invent dates.
3. father, mother and spouse need a snippet that names the relative and states the relationship.
4. source_url may only be the document URL or one of these cited URLs:%s
5. Anything you suspect but the document does not state goes into hypotheses with is_fact=false.
6. Every proposed field the document does not support goes into hallucination_flags with a reason.

Allowed fields: name, birth_date, birth_year, birth_place, death_date, death_place, father, mother, spouse, living, modern_identifier.

Proposed fields:
%s

Document:
%s
`, in.SubjectName, in.URL, joinURLs(in.Citations), proposed, text)
	return b.String()
}

func joinURLs(urls []string) string {
	if len(urls) == 0 {
		return " (none)"
	}
	var b strings.Builder
	for i, u := range urls {
		if i >= maxCitationURLs {
			fmt.Fprintf(&b, "\n   ... and %d more", len(urls)-maxCitationURLs)
			break
		}
		fmt.Fprintf(&b, "\n   - %s", u)
	}
	return b.String()
}
