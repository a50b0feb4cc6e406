package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/lineage/internal/cache"
	"github.com/ppiankov/lineage/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCorpus() Corpus {
	return Corpus{
		Name:   "county-archive",
		Tier:   model.TierOpenAPI,
		Domain: "archive.example.org",
		Class:  string(model.ClassCensus),
		Documents: []CorpusDocument{
			{ID: "birth", URL: "https://archive.example.org/birth", Title: "Birth register", Class: string(model.ClassOfficialPrimary),
				Text: "Thomas Vincent born 14 February 1977 in Leeds.\nFather: Arthur Vincent"},
			{ID: "census", URL: "https://archive.example.org/census", Title: "1981 census",
				Text: "Household of Arthur Vincent, Leeds. Son Thomas, age 4."},
			{ID: "other", URL: "https://archive.example.org/other", Title: "Oakes family",
				Text: "Mary Oakes died 1950 in York."},
		},
	}
}

func TestStaticSearchAndFetch(t *testing.T) {
	s, err := NewStatic(testCorpus())
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	ctx := context.Background()

	page, err := s.Search(ctx, "Thomas Vincent 1977", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(page.Hits) != 2 || page.Hits[0].ID != "birth" || page.Hits[1].ID != "census" {
		t.Errorf("Search() hits = %+v, want birth then census", page.Hits)
	}
	if page.NextToken != "" {
		t.Errorf("NextToken = %q, want empty", page.NextToken)
	}

	doc, err := s.Fetch(ctx, "https://archive.example.org/birth")
	if err != nil {
		t.Fatalf("Fetch(url) error = %v", err)
	}
	if doc.ID != "birth" || doc.Class != model.ClassOfficialPrimary || len(doc.HTMLSnippets) != 2 {
		t.Errorf("Fetch() = %+v", doc)
	}
	if doc.ContentHash != model.ContentHash(doc.RawText) {
		t.Error("ContentHash does not match the text")
	}
	census, _ := s.Fetch(ctx, "census")
	if census.Class != model.ClassCensus {
		t.Errorf("census class = %s, want corpus default", census.Class)
	}

	if _, err := s.Fetch(ctx, "missing"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Fetch(missing) error = %v, want ErrUnavailable", err)
	}
}

func TestStaticRejectsBadCorpus(t *testing.T) {
	c := testCorpus()
	c.Documents = append(c.Documents, CorpusDocument{ID: "birth", URL: "https://x"})
	if _, err := NewStatic(c); err == nil {
		t.Error("duplicate ids accepted")
	}
	if _, err := NewStatic(Corpus{}); err == nil {
		t.Error("nameless corpus accepted")
	}
}

func TestResultsPaging(t *testing.T) {
	c := Corpus{Name: "many", Domain: "many.example.org"}
	for i := 0; i < 12; i++ {
		c.Documents = append(c.Documents, CorpusDocument{
			ID: fmt.Sprintf("d%02d", i), URL: fmt.Sprintf("https://many.example.org/%d", i), Text: "Vincent parish entry",
		})
	}
	s, err := NewStatic(c)
	if err != nil {
		t.Fatal(err)
	}

	counting := &countingAdapter{Adapter: s}
	r := NewResults(context.Background(), counting, "vincent")
	hits, err := Take(r, 7)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if len(hits) != 7 || hits[6].ID != "d06" || hits[0].Adapter != "many" {
		t.Errorf("Take(7) = %d hits, last %+v", len(hits), hits[len(hits)-1])
	}
	if counting.searches != 2 {
		t.Errorf("searches = %d, want 2 pages requested lazily", counting.searches)
	}

	all, _ := Take(NewResults(context.Background(), s, "vincent"), 100)
	if len(all) != 12 {
		t.Errorf("all hits = %d, want 12", len(all))
	}
}

type countingAdapter struct {
	Adapter
	searches int
	fetches  atomic.Int32
}

func (c *countingAdapter) Search(ctx context.Context, q, token string) (SearchPage, error) {
	c.searches++
	return c.Adapter.Search(ctx, q, token)
}

func (c *countingAdapter) Fetch(ctx context.Context, id string) (*Document, error) {
	c.fetches.Add(1)
	return c.Adapter.Fetch(ctx, id)
}

func (c *countingAdapter) Compliance() Compliance {
	return Compliance{CacheTTL: time.Hour}
}

func TestLoadCorpora(t *testing.T) {
	dir := t.TempDir()
	corpus := `name: parish
tier: 2
domain: parish.example.org
class: religious_record
documents:
  - id: bapt
    url: https://parish.example.org/bapt
    text: |
      Baptism of Anne Hall, 1979.
`
	if err := os.WriteFile(filepath.Join(dir, "parish.yaml"), []byte(corpus), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadCorpora(dir)
	if err != nil {
		t.Fatalf("LoadCorpora() error = %v", err)
	}
	if len(got) != 1 || got[0].Name() != "parish" || got[0].Tier() != model.TierCredentialed {
		t.Fatalf("LoadCorpora() = %+v", got)
	}
	doc, err := got[0].Fetch(context.Background(), "bapt")
	if err != nil || doc.Class != model.ClassReligiousRecord {
		t.Errorf("Fetch() = %+v, %v", doc, err)
	}
}

func TestRegistry(t *testing.T) {
	a, _ := NewStatic(testCorpus())
	b, _ := NewStatic(Corpus{Name: "web-index", Tier: model.TierOpenAPI})
	r, err := NewRegistry(b, a)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	tier1 := r.ByTier(model.TierOpenAPI)
	if len(tier1) != 2 || tier1[0].Name() != "county-archive" {
		t.Errorf("ByTier(1) = %v", tier1)
	}
	if err := r.Register(a); err == nil {
		t.Error("duplicate adapter accepted")
	}
	bad, _ := NewStatic(Corpus{Name: "bad", Tier: 7})
	if err := r.Register(bad); err == nil {
		t.Error("out-of-range tier accepted")
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(model.DefaultConfig().Evidence)
	tests := []struct {
		url  string
		want model.EvidenceClass
	}{
		{"https://www.familysearch.org/ark:/1234", model.ClassCensus},
		{"https://catalog.archives.gov/id/42", model.ClassOfficialPrimary},
		{"https://example.com/vital-records/leeds/1977", model.ClassOfficialPrimary},
		{"https://example.com/parish/st-marys", model.ClassReligiousRecord},
		{"https://example.com/obituaries/vincent", model.ClassNewspaper},
		{"https://records.state.gov/x", model.ClassOfficialPrimary},
		{"https://blog.example.com/my-family", model.ClassUnverifiedAuthored},
		{"::bad", model.ClassUnverifiedAuthored},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.url); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

// --- web adapter ---

func newSite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `<html><body><ol><li><a href="/records/3">Third</a></li></ol></body></html>`)
			return
		}
		if r.URL.Query().Get("q") != "thomas vincent" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `<html><body>
			<ol><li><a href="/records/1">First record</a></li>
			<li><a href="/records/2">Second record</a></li>
			<li><a href="https://elsewhere.example.net/x">Offsite</a></li></ol>
			<a href="/search?q=other">refine</a>
			<a rel="next" href="/search?page=2">More</a>
		</body></html>`)
	})
	mux.HandleFunc("/records/", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprintf(w, `<html><head><title>Record %s</title></head><body>
			<p>Thomas Vincent, b. Feb 1977 in Leeds.</p>
			<p>See <a href="https://registry.example.org/vincent">the registry</a>.</p>
		</body></html>`, strings.TrimPrefix(r.URL.Path, "/records/"))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "Mary Oakes d. 1950")
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/private/page", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, "secret")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func newTestWeb(srv *httptest.Server, compliance Compliance) *Web {
	cfg := model.DefaultConfig().HTTP
	host := strings.TrimPrefix(srv.URL, "http://")
	return NewWeb(WebOptions{
		Name:       "site",
		Tier:       model.TierOpenWeb,
		Domain:     strings.Split(host, ":")[0],
		SearchURL:  srv.URL + "/search?q=%s",
		Compliance: compliance,
	}, srv.Client(), cfg)
}

func TestWebSearch(t *testing.T) {
	srv, _ := newSite(t)
	w := newTestWeb(srv, Compliance{})

	hits, err := Take(NewResults(context.Background(), w, "thomas vincent"), 10)
	if err != nil {
		t.Fatalf("search error = %v", err)
	}
	var urls []string
	for _, h := range hits {
		urls = append(urls, strings.TrimPrefix(h.URL, srv.URL))
	}
	want := []string{"/records/1", "/records/2", "/records/3"}
	if strings.Join(urls, ",") != strings.Join(want, ",") {
		t.Errorf("hits = %v, want %v", urls, want)
	}
	if hits[0].Title != "First record" || hits[0].ID != hits[0].URL {
		t.Errorf("hit = %+v", hits[0])
	}
}

func TestWebFetch(t *testing.T) {
	srv, _ := newSite(t)
	w := newTestWeb(srv, Compliance{})
	ctx := context.Background()

	doc, err := w.Fetch(ctx, srv.URL+"/records/1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doc.Title != "Record 1" || !strings.Contains(doc.RawText, "b. Feb 1977 in Leeds") {
		t.Errorf("doc = %+v", doc)
	}
	if len(doc.Citations) != 1 || doc.Citations[0] != "https://registry.example.org/vincent" {
		t.Errorf("Citations = %v", doc.Citations)
	}

	plain, err := w.Fetch(ctx, srv.URL+"/plain")
	if err != nil || plain.RawText != "Mary Oakes d. 1950" {
		t.Errorf("plain fetch = %+v, %v", plain, err)
	}

	var transient *model.TransientFetchError
	if _, err := w.Fetch(ctx, srv.URL+"/busy"); !errors.As(err, &transient) {
		t.Errorf("503 error = %v, want TransientFetchError", err)
	}
	var violation *model.ComplianceViolation
	if _, err := w.Fetch(ctx, srv.URL+"/denied"); !errors.As(err, &violation) || violation.Rule != RuleAccessDenied {
		t.Errorf("403 error = %v, want access_denied ComplianceViolation", err)
	}
	if _, err := w.Fetch(ctx, srv.URL+"/missing"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("404 error = %v, want ErrUnavailable", err)
	}
}

func TestClientHonorsRobotsAndBlocklist(t *testing.T) {
	srv, fetches := newSite(t)
	w := newTestWeb(srv, Compliance{RobotsTxt: true, RateLimit: 100, Burst: 5})
	reg, _ := NewRegistry(w)
	gate := NewGate(NewRobotsChecker(srv.Client(), "Lineage/0.1"), NewLimiter(100, 5), []string{"blocked.example.com"})
	client := NewClient(reg, gate, nil, nil, testLogger())
	ctx := context.Background()

	_, err := client.Fetch(ctx, Hit{Adapter: "site", ID: srv.URL + "/private/page", URL: srv.URL + "/private/page"}, false)
	var violation *model.ComplianceViolation
	if !errors.As(err, &violation) || violation.Rule != RuleRobots {
		t.Fatalf("Fetch(disallowed) error = %v, want robots violation", err)
	}
	if fetches.Load() != 0 {
		t.Error("disallowed page was requested")
	}

	_, err = client.Fetch(ctx, Hit{Adapter: "site", ID: "https://www.blocked.example.com/a", URL: "https://www.blocked.example.com/a"}, false)
	if !errors.As(err, &violation) || violation.Rule != RuleBlocked {
		t.Errorf("Fetch(blocked) error = %v, want blocked_domain violation", err)
	}

	if _, err := client.Fetch(ctx, Hit{Adapter: "site", ID: srv.URL + "/records/9", URL: srv.URL + "/records/9"}, false); err != nil {
		t.Errorf("Fetch(allowed) error = %v", err)
	}
}

func TestClientCachesAndClassifies(t *testing.T) {
	s, _ := NewStatic(Corpus{Name: "notes", Domain: "notes.example.com", Documents: []CorpusDocument{
		{ID: "n1", URL: "https://notes.example.com/obituaries/oakes", Text: "Mary Oakes died 1950."},
	}})
	counting := &countingAdapter{Adapter: s}
	reg, _ := NewRegistry(counting)
	client := NewClient(reg, NewGate(nil, NewLimiter(100, 5), nil),
		cache.NewMemoryCache(time.Minute, time.Minute), NewClassifier(model.DefaultConfig().Evidence), testLogger())
	ctx := context.Background()
	hit := Hit{Adapter: "notes", ID: "n1", URL: "https://notes.example.com/obituaries/oakes"}

	doc, err := client.Fetch(ctx, hit, false)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doc.Class != model.ClassNewspaper {
		t.Errorf("Class = %s, want newspaper from the path pattern", doc.Class)
	}
	again, err := client.Fetch(ctx, hit, false)
	if err != nil || !again.FromCache || again.ContentHash != doc.ContentHash {
		t.Errorf("second Fetch() = %+v, %v; want a cache hit", again, err)
	}
	if _, err := client.Fetch(ctx, hit, true); err != nil {
		t.Fatal(err)
	}
	if n := counting.fetches.Load(); n != 2 {
		t.Errorf("adapter fetches = %d, want 2 (one cached, one fresh)", n)
	}
	if _, err := client.Fetch(ctx, Hit{Adapter: "nope", ID: "x"}, false); err == nil {
		t.Error("unknown adapter accepted")
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(1, 1)
	ctx := context.Background()
	if err := l.Wait(ctx, "https://a.example.org/x", 0); err != nil {
		t.Fatal(err)
	}
	if l.Allow("https://a.example.org/y") {
		t.Error("second request within the same second allowed")
	}
	if !l.Allow("https://b.example.org/") {
		t.Error("hosts must be limited independently")
	}

	l.Configure("fast.example.org", 1000, 10)
	l.Configure("fast.example.org", 0.001, 1) // first declaration wins
	for i := 0; i < 5; i++ {
		if !l.Allow("https://fast.example.org/") {
			t.Fatalf("request %d to configured host refused", i)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Wait(cancelled, "https://c.example.org/", time.Hour); err == nil {
		t.Error("Wait() ignored a cancelled context")
	}
}

func TestProductToken(t *testing.T) {
	if got := ProductToken("Lineage/0.1 (+https://x)"); got != "Lineage" {
		t.Errorf("ProductToken() = %q", got)
	}
	if got := ProductToken(""); got != "" {
		t.Errorf("ProductToken(empty) = %q", got)
	}
}
