package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/lineage/internal/model"
)

// staticPageSize is the number of hits per static search page
const staticPageSize = 5

// Corpus is a YAML file of documents served by a Static adapter
type Corpus struct {
	Name      string           `yaml:"name"`
	Tier      model.Tier       `yaml:"tier"`
	Domain    string           `yaml:"domain"`
	Class     string           `yaml:"class,omitempty"` // Default evidence class of the documents
	Documents []CorpusDocument `yaml:"documents"`
}

// CorpusDocument is one document of a corpus
type CorpusDocument struct {
	ID        string   `yaml:"id"`
	URL       string   `yaml:"url"`
	Title     string   `yaml:"title,omitempty"`
	Class     string   `yaml:"class,omitempty"`
	Text      string   `yaml:"text"`
	Citations []string `yaml:"citations,omitempty"`
}

// Static serves a fixed corpus, for offline and reproducible research
type Static struct {
	corpus Corpus
	tokens [][]string
	byKey  map[string]int
}

// NewStatic creates an adapter over corpus
func NewStatic(corpus Corpus) (*Static, error) {
	if corpus.Name == "" {
		return nil, fmt.Errorf("corpus has no name")
	}
	s := &Static{corpus: corpus, byKey: make(map[string]int)}
	for i, d := range corpus.Documents {
		if d.ID == "" || d.URL == "" {
			return nil, fmt.Errorf("corpus %s: document %d needs an id and a url", corpus.Name, i)
		}
		if _, dup := s.byKey[d.ID]; dup {
			return nil, fmt.Errorf("corpus %s: duplicate document id %s", corpus.Name, d.ID)
		}
		s.byKey[d.ID] = i
		s.byKey[d.URL] = i
		s.tokens = append(s.tokens, model.Tokens(d.Title+" "+d.Text))
	}
	return s, nil
}

// LoadCorpus reads a corpus YAML file
func LoadCorpus(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var c Corpus
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return NewStatic(c)
}

// LoadCorpora reads a corpus file, or every .yaml/.yml file of a directory
// in name order
func LoadCorpora(path string) ([]*Static, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat corpus: %w", err)
	}
	if !info.IsDir() {
		s, err := LoadCorpus(path)
		if err != nil {
			return nil, err
		}
		return []*Static{s}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}
	var out []*Static
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		s, err := LoadCorpus(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (s *Static) Name() string     { return s.corpus.Name }
func (s *Static) Tier() model.Tier { return s.corpus.Tier }
func (s *Static) Domain() string   { return s.corpus.Domain }

// Compliance of a local corpus: no robots.txt, no rate limit, no caching
func (s *Static) Compliance() Compliance { return Compliance{} }

// Search ranks documents by the share of query tokens they contain. A
// document needs at least two thirds of the tokens to match. The token is
// the offset of the next page.
func (s *Static) Search(ctx context.Context, query, token string) (SearchPage, error) {
	if err := ctx.Err(); err != nil {
		return SearchPage{}, err
	}
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return SearchPage{}, fmt.Errorf("invalid page token %q", token)
		}
		offset = n
	}

	q := uniq(model.Tokens(query))
	if len(q) == 0 {
		return SearchPage{}, nil
	}
	type scored struct {
		idx     int
		matched int
	}
	var matches []scored
	for i, toks := range s.tokens {
		set := make(map[string]bool, len(toks))
		for _, t := range toks {
			set[t] = true
		}
		n := 0
		for _, t := range q {
			if set[t] {
				n++
			}
		}
		if n*3 >= len(q)*2 {
			matches = append(matches, scored{idx: i, matched: n})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].matched > matches[j].matched })

	var page SearchPage
	for i := offset; i < len(matches) && i < offset+staticPageSize; i++ {
		d := s.corpus.Documents[matches[i].idx]
		page.Hits = append(page.Hits, Hit{Adapter: s.corpus.Name, ID: d.ID, URL: d.URL, Title: d.Title, Snippet: snippet(d.Text)})
	}
	if offset+staticPageSize < len(matches) {
		page.NextToken = strconv.Itoa(offset + staticPageSize)
	}
	return page, nil
}

// Fetch returns the document with the given id or URL
func (s *Static) Fetch(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := s.byKey[id]
	if !ok {
		return nil, fmt.Errorf("%s: document %s: %w", s.corpus.Name, id, ErrUnavailable)
	}
	d := s.corpus.Documents[i]
	class := model.EvidenceClass(d.Class)
	if class == "" {
		class = model.EvidenceClass(s.corpus.Class)
	}
	if !class.Valid() {
		class = ""
	}
	var lines []string
	for _, l := range strings.Split(d.Text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return &Document{
		Adapter:      s.corpus.Name,
		ID:           d.ID,
		URL:          d.URL,
		Title:        d.Title,
		RawText:      d.Text,
		HTMLSnippets: lines,
		Citations:    append([]string(nil), d.Citations...),
		ContentHash:  model.ContentHash(d.Text),
		Class:        class,
		FetchedAt:    time.Now(),
	}, nil
}

func uniq(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 160 {
		return string(r[:160]) + "..."
	}
	return text
}
