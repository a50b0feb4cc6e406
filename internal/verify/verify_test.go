package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/ppiankov/lineage/internal/model"
)

const obituary = `John Albert Smith was born 14 February 1901 in Leeds, Yorkshire. He was the son of William Smith and Mary Jones.
He married Ellen Brown in 1925. He died 3 March 1977 in York.
Thomas Green, a neighbour, was born 1899.`

func fieldMap(fields []model.ExtractedField) map[model.Field]model.ExtractedField {
	m := make(map[model.Field]model.ExtractedField)
	for _, f := range fields {
		if _, ok := m[f.Field]; !ok {
			m[f.Field] = f
		}
	}
	return m
}

func TestRulesExtract(t *testing.T) {
	in := model.VerificationInput{URL: "https://example.org/obit", RawText: obituary, SubjectName: "John Smith"}
	fields, _ := NewRules().Extract(in)
	got := fieldMap(fields)

	tests := []struct {
		field model.Field
		value string
		conf  float64
	}{
		{model.FieldBirthDate, "14 February 1901", directConfidence},
		{model.FieldBirthPlace, "Leeds, Yorkshire", directConfidence},
		{model.FieldFather, "William Smith", pronounConfidence},
		{model.FieldMother, "Mary Jones", pronounConfidence},
		{model.FieldSpouse, "Ellen Brown", pronounConfidence},
		{model.FieldDeathDate, "3 March 1977", pronounConfidence},
		{model.FieldDeathPlace, "York", pronounConfidence},
	}
	for _, tt := range tests {
		f, ok := got[tt.field]
		if !ok {
			t.Errorf("%s not extracted", tt.field)
			continue
		}
		if f.Value != tt.value || f.Confidence != tt.conf {
			t.Errorf("%s = %q (%v), want %q (%v)", tt.field, f.Value, f.Confidence, tt.value, tt.conf)
		}
		if !f.IsFact || f.SourceURL != in.URL || !strings.Contains(obituary, f.CitationSnippet) {
			t.Errorf("%s: bad provenance %+v", tt.field, f)
		}
	}
	if _, ok := got[model.FieldBirthYear]; ok {
		t.Error("sentence about another person leaked a birth year")
	}
}

func TestRulesSingleParentIsHypothesis(t *testing.T) {
	in := model.VerificationInput{RawText: "Ada Lovelace, daughter of Lord Byron, was born 1815.", SubjectName: "Ada Lovelace"}
	fields, hyps := NewRules().Extract(in)
	got := fieldMap(fields)
	if _, ok := got[model.FieldFather]; ok {
		t.Error("one named parent must not become a father fact")
	}
	if got[model.FieldBirthYear].Value != "1815" {
		t.Errorf("birth_year = %q, want 1815", got[model.FieldBirthYear].Value)
	}
	if len(hyps) != 1 || hyps[0].IsFact || hyps[0].Value != "Lord Byron" {
		t.Errorf("hypotheses = %+v", hyps)
	}
}

func TestRulesSubjectIsNotOwnRelative(t *testing.T) {
	in := model.VerificationInput{
		RawText:     "Thomas Vincent was born February 1977. His father was Arthur Vincent.",
		SubjectName: "Arthur Vincent",
	}
	fields, _ := NewRules().Extract(in)
	for _, f := range fields {
		if f.Field.IsRelationship() {
			t.Errorf("unexpected %s = %q for the named relative", f.Field, f.Value)
		}
	}
}

func TestRulesLivingAndIdentifier(t *testing.T) {
	in := model.VerificationInput{
		RawText:     "Maria Ortega is still living in Austin. Maria Ortega can be reached at maria@example.com.",
		SubjectName: "Maria Ortega",
	}
	got := fieldMap(func() []model.ExtractedField { f, _ := NewRules().Extract(in); return f }())
	if got[model.FieldLiving].Value != "true" {
		t.Errorf("living = %+v", got[model.FieldLiving])
	}
	if got[model.FieldIdentifier].Value != "maria@example.com" {
		t.Errorf("identifier = %+v", got[model.FieldIdentifier])
	}
}

func TestRulesDateRangeIsNotPhone(t *testing.T) {
	in := model.VerificationInput{RawText: "John Smith (1901-1977) was a miner.", SubjectName: "John Smith"}
	fields, _ := NewRules().Extract(in)
	if _, ok := fieldMap(fields)[model.FieldIdentifier]; ok {
		t.Error("year range extracted as a phone number")
	}
}

func TestRulesVerifyFlagsUnsupportedProposals(t *testing.T) {
	in := model.VerificationInput{
		RawText:     obituary,
		SubjectName: "John Smith",
		ExtractedFields: []model.ExtractedField{
			{Field: model.FieldBirthPlace, Value: "Leeds", CitationSnippet: "born 14 February 1901 in Leeds", Confidence: 0.8, IsFact: true},
			{Field: model.FieldSpouse, Value: "Jane Doe", CitationSnippet: "He married Jane Doe", Confidence: 0.9, IsFact: true},
		},
	}
	out, err := NewRules().Verify(context.Background(), in)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(out.HallucinationFlags) != 1 || out.HallucinationFlags[0].Value != "Jane Doe" {
		t.Errorf("flags = %+v", out.HallucinationFlags)
	}
	places := 0
	for _, f := range out.VerifiedFields {
		if f.Field == model.FieldBirthPlace {
			places++
			if f.Value != "Leeds" {
				t.Errorf("proposed birth_place should win, got %q", f.Value)
			}
		}
	}
	if places != 2 {
		t.Errorf("birth_place fields = %d, want 2", places)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     model.VerifierConfig
		want    string
		wantErr bool
	}{
		{model.VerifierConfig{}, "rules", false},
		{model.VerifierConfig{Provider: "rules"}, "rules", false},
		{model.VerifierConfig{Provider: "openai", APIKey: "k"}, "openai", false},
		{model.VerifierConfig{Provider: "openai"}, "", true},
		{model.VerifierConfig{Provider: "ollama", Model: "llama3"}, "ollama", false},
		{model.VerifierConfig{Provider: "ollama"}, "", true},
		{model.VerifierConfig{Provider: "oracle"}, "", true},
	}
	for _, tt := range tests {
		v, err := New(tt.cfg)
		if tt.wantErr {
			var ce *model.ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("New(%+v) error = %v, want ConfigError", tt.cfg, err)
			}
			continue
		}
		if err != nil || v.Name() != tt.want {
			t.Errorf("New(%+v) = %v, %v; want %s", tt.cfg, v, err, tt.want)
		}
	}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
			t.Error("request does not ask for a JSON object")
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"unavailable","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			}},
		})
	}))
}

func TestOpenAIVerify(t *testing.T) {
	reply := "```json\n" + `{"verified_fields":[{"field":"birth_place","value":"Leeds","citation_snippet":"born 14 February 1901 in Leeds","confidence":0.9,"is_fact":true}],"hypotheses":[],"hallucination_flags":[{"field":"spouse","value":"Jane Doe","reason":"not in document"}]}` + "\n```"
	srv := chatServer(t, http.StatusOK, reply)
	defer srv.Close()

	v, err := NewOpenAI(model.VerifierConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5})
	if err != nil {
		t.Fatal(err)
	}
	out, err := v.Verify(context.Background(), model.VerificationInput{URL: "https://example.org/obit", RawText: obituary, SubjectName: "John Smith"})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(out.VerifiedFields) != 1 || out.VerifiedFields[0].Value != "Leeds" {
		t.Errorf("verified fields = %+v", out.VerifiedFields)
	}
	if len(out.HallucinationFlags) != 1 {
		t.Errorf("flags = %+v", out.HallucinationFlags)
	}
}

func TestOpenAIServerErrorIsTransient(t *testing.T) {
	srv := chatServer(t, http.StatusServiceUnavailable, "")
	defer srv.Close()

	v, _ := NewOpenAI(model.VerifierConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5})
	_, err := v.Verify(context.Background(), model.VerificationInput{URL: "https://example.org/obit", RawText: obituary})
	var tf *model.TransientFetchError
	if !errors.As(err, &tf) {
		t.Fatalf("Verify() error = %v, want TransientFetchError", err)
	}
}

func TestOpenAIMalformedReply(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "I think he was born in Leeds.")
	defer srv.Close()

	v, _ := NewOpenAI(model.VerifierConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5})
	_, err := v.Verify(context.Background(), model.VerificationInput{URL: "https://example.org/obit", RawText: obituary})
	var tf *model.TransientFetchError
	if err == nil || errors.As(err, &tf) {
		t.Errorf("Verify() error = %v, want a permanent decode error", err)
	}
}

func TestParseOutputConfidence(t *testing.T) {
	reply := "```json\n" + `{"verified_fields": [
		{"field": "birth_place", "value": "Leeds", "citation_snippet": "born in Leeds", "confidence": 0, "is_fact": true},
		{"field": "death_place", "value": "York", "citation_snippet": "died in York", "is_fact": true},
		{"field": "spouse", "value": "Ellen Brown", "citation_snippet": "married Ellen Brown", "confidence": 0.8, "is_fact": true}
	]}` + "\n```"
	out, err := ParseOutput(reply)
	if err != nil {
		t.Fatalf("ParseOutput() error = %v", err)
	}
	want := []float64{0, unstatedConfidence, 0.8}
	if len(out.VerifiedFields) != len(want) {
		t.Fatalf("ParseOutput() = %d fields, want %d", len(out.VerifiedFields), len(want))
	}
	for i, w := range want {
		if got := out.VerifiedFields[i].Confidence; got != w {
			t.Errorf("%s confidence = %v, want %v", out.VerifiedFields[i].Field, got, w)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(model.VerificationInput{
		URL:         "https://example.org/obit",
		SubjectName: "John Smith",
		RawText:     obituary,
		Citations:   []string{"https://example.org/census/1911"},
	})
	for _, want := range []string{"John Smith", "https://example.org/census/1911", "born 14 February 1901"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt lacks %q", want)
		}
	}
}
