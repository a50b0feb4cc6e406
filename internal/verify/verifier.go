// Package verify provides the verification capability: a rule-based
// extractor over document sentences and OpenAI-compatible model verifiers.
// Every output is untrusted until it passes the firewall.
package verify

import (
	"context"
	"strings"

	"github.com/ppiankov/lineage/internal/model"
)

// Verifier turns one fetched document into candidate facts and leads
type Verifier interface {
	// Name returns the verifier name recorded in audit entries
	Name() string

	// Verify checks in.ExtractedFields against in.RawText and may add fields
	// and hypotheses of its own
	Verify(ctx context.Context, in model.VerificationInput) (*model.VerificationOutput, error)
}

// New returns the verifier selected by cfg.Provider
func New(cfg model.VerifierConfig) (Verifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "rules":
		return NewRules(), nil
	case "openai":
		v, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "ollama":
		v, err := NewOllama(cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, &model.ConfigError{
			Key:    "verifier.provider",
			Reason: "unknown provider " + cfg.Provider + " (supported: rules, openai, ollama)",
		}
	}
}
