package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/lineage/internal/model"
)

// Compliance rules reported in ComplianceViolation.Rule
const (
	RuleRobots       = "robots_txt"
	RuleBlocked      = "blocked_domain"
	RuleAccessDenied = "access_denied"
)

// Gate enforces access policy before any request leaves the process
type Gate struct {
	robots  *RobotsChecker
	limiter *Limiter
	blocked []string
}

// NewGate creates a gate. robots may be nil when no adapter honors robots.txt.
func NewGate(robots *RobotsChecker, limiter *Limiter, blocked []string) *Gate {
	norm := make([]string, 0, len(blocked))
	for _, b := range blocked {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			norm = append(norm, b)
		}
	}
	return &Gate{robots: robots, limiter: limiter, blocked: norm}
}

// Admit checks rawURL against the blocklist and, when the adapter honors
// it, robots.txt. A refusal is a *model.ComplianceViolation and must not be
// retried. The returned crawl delay is passed to Wait.
func (g *Gate) Admit(ctx context.Context, a Adapter, rawURL string) (time.Duration, error) {
	host := hostOf(rawURL)
	for _, b := range g.blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return 0, &model.ComplianceViolation{URL: rawURL, Rule: RuleBlocked, Reason: fmt.Sprintf("domain %s is blocked", b)}
		}
	}
	if g.robots == nil || !a.Compliance().RobotsTxt {
		return 0, nil
	}
	allowed, delay, err := g.robots.CanFetch(ctx, rawURL)
	if err != nil {
		return 0, &model.ComplianceViolation{URL: rawURL, Rule: RuleRobots, Reason: err.Error()}
	}
	if !allowed {
		return 0, &model.ComplianceViolation{URL: rawURL, Rule: RuleRobots, Reason: "disallowed by robots.txt"}
	}
	return delay, nil
}

// Wait applies the adapter's declared rate to the URL's host and blocks
// until the request may go out
func (g *Gate) Wait(ctx context.Context, a Adapter, rawURL string, crawlDelay time.Duration) error {
	if g.limiter == nil {
		return nil
	}
	c := a.Compliance()
	g.limiter.Configure(hostOf(rawURL), c.RateLimit, c.Burst)
	return g.limiter.Wait(ctx, rawURL, crawlDelay)
}
