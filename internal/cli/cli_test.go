package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/orchestrator"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSeeds(t *testing.T) {
	path := writeFile(t, "seeds.txt", `# family
Thomas Vincent, b. Feb 1977

Edith Brown, born 1890, Hull
Thomas Vincent, b. Feb 1977
`)
	seeds, err := readSeeds(path)
	if err != nil {
		t.Fatalf("readSeeds() error = %v", err)
	}
	want := []orchestrator.Seed{
		{Name: "Thomas Vincent", Born: "Feb 1977"},
		{Name: "Edith Brown", Born: "1890", Place: "Hull"},
	}
	if len(seeds) != len(want) {
		t.Fatalf("readSeeds() = %d seeds, want %d", len(seeds), len(want))
	}
	for i := range want {
		if seeds[i] != want[i] {
			t.Errorf("seed %d = %+v, want %+v", i, seeds[i], want[i])
		}
	}
}

func TestReadSeedsReportsBadLine(t *testing.T) {
	path := writeFile(t, "seeds.txt", "Thomas Vincent\nEdith Brown, b. someday\n")
	_, err := readSeeds(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("readSeeds() error = %v, want a line 2 error", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Thomas Vincent", "thomas-vincent"},
		{"O'Brien, Mary J.", "o'brien-mary-j"},
		{"a/b\\c:d", "a_b_c_d"},
		{"  ", "subject"},
		{strings.Repeat("x", 150), strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfigLayersFileOverDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `session:
  max_tier: 1
  timeout: 5m
store:
  driver: memory
`)
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Session.MaxTier != 1 || cfg.Session.Timeout != 5*time.Minute || cfg.Store.Driver != "memory" {
		t.Errorf("loaded session = %+v, store = %+v", cfg.Session, cfg.Store)
	}
	if cfg.Session.MaxWorkUnits != model.DefaultConfig().Session.MaxWorkUnits {
		t.Errorf("MaxWorkUnits = %d, want the default", cfg.Session.MaxWorkUnits)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := writeFile(t, "config.yaml", "session:\n  max_tier: 7\n")
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	_, err := loadConfig(v)
	var ce *model.ConfigError
	if !errors.As(err, &ce) || ce.Key != "session.max_tier" {
		t.Errorf("loadConfig() error = %v, want a session.max_tier ConfigError", err)
	}
}

func TestOpenStore(t *testing.T) {
	logger := newLogger(model.DefaultConfig())
	if _, _, err := openStore(model.StoreConfig{Driver: "memory"}, logger); err != nil {
		t.Errorf("memory store error = %v", err)
	}
	var ce *model.ConfigError
	if _, _, err := openStore(model.StoreConfig{Driver: "postgres"}, logger); !errors.As(err, &ce) {
		t.Errorf("unknown driver error = %v, want ConfigError", err)
	}
	if _, _, err := openStore(model.StoreConfig{Driver: "sqlite", Path: ":memory:", SealKey: "abc"}, logger); !errors.As(err, &ce) {
		t.Errorf("bad seal key error = %v, want ConfigError", err)
	}
}

func TestNewAppNeedsSources(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Store.Driver = "memory"
	_, err := newApp(cfg, appOptions{})
	var ce *model.ConfigError
	if !errors.As(err, &ce) || ce.Key != "sources" {
		t.Errorf("newApp() error = %v, want a sources ConfigError", err)
	}
}

const corpusYAML = `name: memorials
tier: 0
domain: memorials.example.org
class: compiled_genealogy
documents:
  - id: tv
    url: https://memorials.example.org/tv
    text: Thomas Vincent was born February 1977. His father was Arthur Vincent.
  - id: eb
    url: https://memorials.example.org/eb
    text: Edith Brown was born 1890 in Hull.
`

func TestResearchAllRunsIndependentSessions(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Cache.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 1000
	cfg.RateLimiting.BurstSize = 100
	cfg.Session.MaxTier = 0

	a, err := newApp(cfg, appOptions{corpus: writeFile(t, "corpus.yaml", corpusYAML)})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer func() { _ = a.close() }()

	seeds := []orchestrator.Seed{
		{Name: "Thomas Vincent", Born: "Feb 1977"},
		{Name: "Edith Brown", Born: "1890"},
	}
	results, err := researchAll(context.Background(), a, seeds, cfg.Session, 2)
	if err != nil {
		t.Fatalf("researchAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.err != nil {
			t.Errorf("%s: %v", r.seed.Name, r.err)
			continue
		}
		if r.bundle.Subject.PrimaryName() != r.seed.Name {
			t.Errorf("bundle subject = %q, want %q", r.bundle.Subject.PrimaryName(), r.seed.Name)
		}
		if r.bundle.StopReason != model.StopFrontierEmpty {
			t.Errorf("%s stopped with %s", r.seed.Name, r.bundle.StopReason)
		}
		if len(r.bundle.Claims) == 0 {
			t.Errorf("%s: no claims", r.seed.Name)
		}
	}
}

func TestSeedLineRoundTrips(t *testing.T) {
	seed := orchestrator.Seed{Name: "Edith Brown", Born: "1890", Died: "1970", Place: "Hull"}
	got, err := orchestrator.ParseSeed(seedLine(seed))
	if err != nil {
		t.Fatalf("ParseSeed() error = %v", err)
	}
	if got != seed {
		t.Errorf("ParseSeed(seedLine()) = %+v, want %+v", got, seed)
	}
}
