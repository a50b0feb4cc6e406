package model

import (
	"fmt"
	"time"
)

// Config holds all lineage configuration. It is loaded by the CLI from
// defaults, ~/.lineage/config.yaml, LINEAGE_* environment variables and flags.
type Config struct {
	Session      SessionConfig     `yaml:"session" mapstructure:"session"`
	Queue        QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Resolution   ResolutionConfig  `yaml:"resolution" mapstructure:"resolution"`
	Entity       EntityConfig      `yaml:"entity" mapstructure:"entity"`
	Privacy      PrivacyConfig     `yaml:"privacy" mapstructure:"privacy"`
	HTTP         HTTPConfig        `yaml:"http" mapstructure:"http"`
	Cache        CacheConfig       `yaml:"cache" mapstructure:"cache"`
	RateLimiting RateLimitConfig   `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Concurrency  ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Verifier     VerifierConfig    `yaml:"verifier" mapstructure:"verifier"`
	Evidence     EvidenceConfig    `yaml:"evidence" mapstructure:"evidence"`
	Store        StoreConfig       `yaml:"store" mapstructure:"store"`
	Output       OutputConfig      `yaml:"output" mapstructure:"output"`
}

// SessionConfig is passed explicitly to each research session
type SessionConfig struct {
	MaxWorkUnits         int           `yaml:"max_work_units" mapstructure:"max_work_units"`
	Timeout              time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CallTimeout          time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	TargetConfidence     float64       `yaml:"target_confidence" mapstructure:"target_confidence"`
	TargetGenerations    int           `yaml:"target_generations" mapstructure:"target_generations"`
	DiminishingWindow    int           `yaml:"diminishing_window" mapstructure:"diminishing_window"`
	DiminishingThreshold float64       `yaml:"diminishing_threshold" mapstructure:"diminishing_threshold"`
	MaxTier              int           `yaml:"max_tier" mapstructure:"max_tier"`
	RevisitAfter         time.Duration `yaml:"revisit_after" mapstructure:"revisit_after"`
	MaxResultsPerQuery   int           `yaml:"max_results_per_query" mapstructure:"max_results_per_query"`
}

// QueueConfig controls retry and promotion behavior of the work queues
type QueueConfig struct {
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffFactor      float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	HighValueThreshold float64       `yaml:"high_value_threshold" mapstructure:"high_value_threshold"`
	RecentTTL          time.Duration `yaml:"recent_ttl" mapstructure:"recent_ttl"`
}

// ResolutionConfig tunes evidence combination
type ResolutionConfig struct {
	Epsilon           float64 `yaml:"epsilon" mapstructure:"epsilon"`
	DecisionThreshold float64 `yaml:"decision_threshold" mapstructure:"decision_threshold"`
}

// EntityConfig tunes the entity resolver
type EntityConfig struct {
	MergeThreshold  float64 `yaml:"merge_threshold" mapstructure:"merge_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	AutoMerge       bool    `yaml:"auto_merge" mapstructure:"auto_merge"` // Execute merge_with_review proposals without a reviewer
}

// PrivacyConfig holds the living-person age limits
type PrivacyConfig struct {
	LivingAgeLimit   int `yaml:"living_age_limit" mapstructure:"living_age_limit"`
	DeceasedAgeLimit int `yaml:"deceased_age_limit" mapstructure:"deceased_age_limit"`
}

// HTTPConfig configures the web source adapter
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HTTPProxy    string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	SearchURL    string        `yaml:"search_url,omitempty" mapstructure:"search_url"` // Template with %s for the escaped query
	Blocked      []string      `yaml:"blocked_domains,omitempty" mapstructure:"blocked_domains"`
}

// CacheConfig configures the fetched-document cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// RateLimitConfig is the default per-domain rate limit
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" mapstructure:"burst_size"`
}

// ConcurrencyConfig controls fetch fan-out and batch sessions
type ConcurrencyConfig struct {
	FetchWorkers int `yaml:"fetch_workers" mapstructure:"fetch_workers"`
	Sessions     int `yaml:"sessions" mapstructure:"sessions"`
}

// VerifierConfig selects the verification capability
type VerifierConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"` // rules, openai, ollama
	Model     string `yaml:"model,omitempty" mapstructure:"model"`
	APIKey    string `yaml:"-" mapstructure:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout   int    `yaml:"timeout" mapstructure:"timeout"` // seconds
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EvidenceConfig maps sources to evidence classes
type EvidenceConfig struct {
	DomainMap    map[string]string `yaml:"domain_map,omitempty" mapstructure:"domain_map"` // host -> evidence class
	PathPatterns []PathPattern     `yaml:"path_patterns,omitempty" mapstructure:"path_patterns"`
	DefaultClass string            `yaml:"default_class" mapstructure:"default_class"`
}

// PathPattern classifies URLs whose path matches Pattern
type PathPattern struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Class   string `yaml:"class" mapstructure:"class"`
}

// StoreConfig selects the evidence store backend
type StoreConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"` // sqlite, memory
	Path    string `yaml:"path" mapstructure:"path"`
	SealKey string `yaml:"-" mapstructure:"seal_key"` // Hex 32-byte key for contact fields at rest
}

// OutputConfig controls CLI output
type OutputConfig struct {
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			MaxWorkUnits:         200,
			Timeout:              30 * time.Minute,
			CallTimeout:          30 * time.Second,
			TargetConfidence:     0.9,
			TargetGenerations:    3,
			DiminishingWindow:    10,
			DiminishingThreshold: 0.1,
			MaxTier:              int(MaxTier),
			RevisitAfter:         30 * 24 * time.Hour,
			MaxResultsPerQuery:   10,
		},
		Queue: QueueConfig{
			MaxRetries:         5,
			BackoffFactor:      0.5,
			HighValueThreshold: 0.8,
			RecentTTL:          24 * time.Hour,
		},
		Resolution: ResolutionConfig{
			Epsilon:           0.05,
			DecisionThreshold: 0.55,
		},
		Entity: EntityConfig{
			MergeThreshold:  0.90,
			ReviewThreshold: 0.60,
		},
		Privacy: PrivacyConfig{
			LivingAgeLimit:   100,
			DeceasedAgeLimit: 120,
		},
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			UserAgent:    "Lineage/0.1 (+https://github.com/ppiankov/lineage)",
			MaxBodyBytes: 2_000_000,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".lineage-cache",
			MemoryTTL: time.Hour,
			DiskTTL:   7 * 24 * time.Hour,
		},
		RateLimiting: RateLimitConfig{
			RequestsPerSecond: 1,
			BurstSize:         2,
		},
		Concurrency: ConcurrencyConfig{
			FetchWorkers: 4,
			Sessions:     2,
		},
		Verifier: VerifierConfig{
			Provider:  "rules",
			Timeout:   30,
			MaxTokens: 1500,
		},
		Evidence: EvidenceConfig{
			DomainMap: map[string]string{
				"familysearch.org": string(ClassCensus),
				"archives.gov":     string(ClassOfficialPrimary),
				"findagrave.com":   string(ClassCompiledGenealogy),
				"newspapers.com":   string(ClassNewspaper),
				"wikitree.com":     string(ClassUserTree),
			},
			PathPatterns: []PathPattern{
				{Pattern: `/(vital|civil)[-_]?records?/`, Class: string(ClassOfficialPrimary)},
				{Pattern: `/parish/`, Class: string(ClassReligiousRecord)},
				{Pattern: `/census/`, Class: string(ClassCensus)},
				{Pattern: `/obituar(y|ies)/`, Class: string(ClassNewspaper)},
			},
			DefaultClass: string(ClassUnverifiedAuthored),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "lineage.db",
		},
	}
}

// Validate checks values a session cannot run without
func (c *Config) Validate() error {
	if c.Session.MaxWorkUnits <= 0 {
		return &ConfigError{Key: "session.max_work_units", Reason: "must be positive"}
	}
	if c.Session.MaxTier < 0 || c.Session.MaxTier > int(MaxTier) {
		return &ConfigError{Key: "session.max_tier", Reason: fmt.Sprintf("must be between 0 and %d", MaxTier)}
	}
	if c.Resolution.Epsilon < 0 || c.Resolution.Epsilon >= 1 {
		return &ConfigError{Key: "resolution.epsilon", Reason: "must be in [0,1)"}
	}
	if c.Resolution.DecisionThreshold <= 0 || c.Resolution.DecisionThreshold >= 1 {
		return &ConfigError{Key: "resolution.decision_threshold", Reason: "must be in (0,1)"}
	}
	if c.Queue.MaxRetries < 0 {
		return &ConfigError{Key: "queue.max_retries", Reason: "must not be negative"}
	}
	if c.Queue.BackoffFactor <= 0 || c.Queue.BackoffFactor > 1 {
		return &ConfigError{Key: "queue.backoff_factor", Reason: "must be in (0,1]"}
	}
	if c.Entity.ReviewThreshold > c.Entity.MergeThreshold {
		return &ConfigError{Key: "entity.review_threshold", Reason: "must not exceed merge_threshold"}
	}
	if c.Evidence.DefaultClass != "" && !EvidenceClass(c.Evidence.DefaultClass).Valid() {
		return &ConfigError{Key: "evidence.default_class", Reason: fmt.Sprintf("unknown class %q", c.Evidence.DefaultClass)}
	}
	return nil
}
