package source

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/lineage/internal/model"
)

// Classifier assigns an evidence class to a source URL from the configured
// domain map and path patterns
type Classifier struct {
	domains      map[string]model.EvidenceClass
	patterns     []classPattern
	defaultClass model.EvidenceClass
}

type classPattern struct {
	re    *regexp.Regexp
	class model.EvidenceClass
}

// NewClassifier compiles cfg. Unknown classes and invalid patterns are
// skipped.
func NewClassifier(cfg model.EvidenceConfig) *Classifier {
	c := &Classifier{
		domains:      make(map[string]model.EvidenceClass),
		defaultClass: model.EvidenceClass(cfg.DefaultClass),
	}
	if !c.defaultClass.Valid() {
		c.defaultClass = model.ClassUnverifiedAuthored
	}
	for host, class := range cfg.DomainMap {
		if ec := model.EvidenceClass(class); ec.Valid() {
			c.domains[strings.ToLower(host)] = ec
		}
	}
	for _, p := range cfg.PathPatterns {
		ec := model.EvidenceClass(p.Class)
		re, err := regexp.Compile(p.Pattern)
		if err != nil || !ec.Valid() {
			continue
		}
		c.patterns = append(c.patterns, classPattern{re: re, class: ec})
	}
	return c
}

// Classify returns the evidence class of rawURL. Order: exact or parent
// domain in the map, then path patterns, then government hosts, then the
// default class.
func (c *Classifier) Classify(rawURL string) model.EvidenceClass {
	u, err := url.Parse(rawURL)
	if err != nil {
		return c.defaultClass
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	for h := host; h != ""; {
		if ec, ok := c.domains[h]; ok {
			return ec
		}
		i := strings.Index(h, ".")
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	for _, p := range c.patterns {
		if p.re.MatchString(u.Path) {
			return p.class
		}
	}
	if strings.HasSuffix(host, ".gov") || strings.Contains(host, ".gov.") {
		return model.ClassOfficialPrimary
	}
	return c.defaultClass
}
