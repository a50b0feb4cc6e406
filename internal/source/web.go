package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/lineage/internal/extract"
	"github.com/ppiankov/lineage/internal/model"
)

// maxRedirects bounds redirect chains of web fetches
const maxRedirects = 3

// WebOptions describes one web source
type WebOptions struct {
	Name       string
	Tier       model.Tier
	Domain     string // Hits are restricted to this domain and its subdomains
	SearchURL  string // Search page template with %s for the escaped query; empty disables search
	Compliance Compliance
}

// Web is an adapter over HTML pages: search result pages are scraped for
// result links and documents are reduced to visible text
type Web struct {
	opts      WebOptions
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewWebClient returns the HTTP client web adapters and the robots checker
// share
func NewWebClient(cfg model.HTTPConfig) *http.Client {
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &http.Transport{Proxy: ProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy)},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// NewWeb creates a web adapter
func NewWeb(opts WebOptions, client *http.Client, cfg model.HTTPConfig) *Web {
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 2_000_000
	}
	return &Web{opts: opts, client: client, userAgent: cfg.UserAgent, maxBytes: maxBytes}
}

func (w *Web) Name() string           { return w.opts.Name }
func (w *Web) Tier() model.Tier       { return w.opts.Tier }
func (w *Web) Domain() string         { return w.opts.Domain }
func (w *Web) Compliance() Compliance { return w.opts.Compliance }

// Search fetches a result page and returns the links on it that point into
// the adapter's domain. The rel="next" link becomes the next token.
func (w *Web) Search(ctx context.Context, query, token string) (SearchPage, error) {
	if w.opts.SearchURL == "" {
		return SearchPage{}, nil
	}
	target := token
	if target == "" {
		target = fmt.Sprintf(w.opts.SearchURL, url.QueryEscape(query))
	}
	body, _, finalURL, err := w.get(ctx, "search", target)
	if err != nil {
		return SearchPage{}, err
	}
	page, err := extract.ParseHTML(body, finalURL)
	if err != nil {
		return SearchPage{}, fmt.Errorf("parse search page: %w", err)
	}
	searchPath := pathOf(finalURL)

	var out SearchPage
	for _, l := range page.Links {
		if l.Rel == "next" {
			if l.SameHost && l.URL != target {
				out.NextToken = l.URL
			}
			continue
		}
		if !w.inDomain(l.URL) || pathOf(l.URL) == searchPath {
			continue
		}
		out.Hits = append(out.Hits, Hit{Adapter: w.opts.Name, ID: l.URL, URL: l.URL, Title: l.Text})
	}
	return out, nil
}

// Fetch retrieves the page at id, which is its URL
func (w *Web) Fetch(ctx context.Context, id string) (*Document, error) {
	body, contentType, finalURL, err := w.get(ctx, "fetch", id)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Adapter:     w.opts.Name,
		ID:          id,
		URL:         finalURL,
		ContentHash: model.ContentHash(body),
		FetchedAt:   time.Now(),
	}
	if mt, _, _ := mime.ParseMediaType(contentType); mt == "text/plain" {
		doc.RawText = body
		return doc, nil
	}
	page, err := extract.ParseHTML(body, finalURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", finalURL, err)
	}
	doc.Title = page.Title
	doc.RawText = page.Text
	doc.HTMLSnippets = page.Paragraphs
	for _, l := range page.Links {
		doc.Citations = append(doc.Citations, l.URL)
	}
	return doc, nil
}

func (w *Web) inDomain(rawURL string) bool {
	if w.opts.Domain == "" {
		return true
	}
	host := hostOf(rawURL)
	d := strings.ToLower(w.opts.Domain)
	return host == d || strings.HasSuffix(host, "."+d)
}

// get performs a GET and classifies failures: network errors, 429 and 5xx
// are transient, 401/403 are compliance refusals, 404/410 are unavailable
func (w *Web) get(ctx context.Context, op, rawURL string) (body, contentType, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", "", "", &model.TransientFetchError{Op: op, URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", "", "", &model.TransientFetchError{Op: op, URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", "", &model.ComplianceViolation{URL: rawURL, Rule: RuleAccessDenied, Reason: resp.Status}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", "", "", fmt.Errorf("%s %s: %w", op, rawURL, ErrUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", "", "", fmt.Errorf("%s %s: unexpected status %s", op, rawURL, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", "", "", err
		}
		return "", "", "", &model.TransientFetchError{Op: op, URL: rawURL, Err: err}
	}
	return string(raw), resp.Header.Get("Content-Type"), resp.Request.URL.String(), nil
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}
