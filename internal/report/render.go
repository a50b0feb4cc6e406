package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/ppiankov/lineage/internal/model"
)

// WriteJSON writes the bundle as indented JSON
func WriteJSON(w io.Writer, b *model.ResearchBundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

// RenderJSON writes the bundle as JSON to path
func RenderJSON(b *model.ResearchBundle, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteJSON(f, b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RenderMarkdown writes the Markdown report of the bundle to path
func RenderMarkdown(b *model.ResearchBundle, path string) error {
	if err := os.WriteFile(path, []byte(Markdown(b)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Markdown renders the bundle as a Markdown report
func Markdown(b *model.ResearchBundle) string {
	var sb strings.Builder
	names := make(map[string]string, len(b.Persons))
	for _, p := range b.Persons {
		names[p.ID] = p.PrimaryName()
	}
	name := func(id string) string {
		if n := names[id]; n != "" {
			return n
		}
		return id
	}

	fmt.Fprintf(&sb, "# %s\n\n", orUnknown(b.Subject.PrimaryName()))
	fmt.Fprintf(&sb, "- Subject: `%s`\n", b.SubjectID)
	if b.SessionID != "" {
		fmt.Fprintf(&sb, "- Session: `%s`\n", b.SessionID)
	}
	if b.StopReason != "" {
		fmt.Fprintf(&sb, "- Stopped: %s\n", b.StopReason)
	}
	fmt.Fprintf(&sb, "- Generated: %s\n\n", b.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	sb.WriteString("## Persons\n\n")
	sb.WriteString("| Name | Born | Died | Birth place | Confidence | Living |\n")
	sb.WriteString("|------|------|------|-------------|------------|--------|\n")
	for _, p := range b.Persons {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %.2f | %s |\n",
			cell(p.PrimaryName()), cell(p.Birth.String()), cell(p.Death.String()), cell(p.BirthPlace), p.Confidence, yesNo(p.Living))
	}
	sb.WriteString("\n")

	if len(b.Relationships) > 0 {
		sb.WriteString("## Relationships\n\n")
		for _, r := range b.Relationships {
			switch r.Kind {
			case model.RelationParent:
				fmt.Fprintf(&sb, "- %s is the %s of %s\n", name(r.From), orDefault(r.Role, "parent"), name(r.To))
			default:
				fmt.Fprintf(&sb, "- %s is married to %s\n", name(r.From), name(r.To))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Assertions\n\n")
	sb.WriteString("| Person | Field | Value | Status | Confidence | Method | Claims |\n")
	sb.WriteString("|--------|-------|-------|--------|------------|--------|--------|\n")
	for _, a := range b.Assertions {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %.2f | %s | %d |\n",
			cell(name(a.EntityID)), a.Field, cell(a.Value), a.Status, a.Confidence, a.Method, len(a.ClaimIDs))
	}
	sb.WriteString("\n")

	if len(b.Conflicts) > 0 {
		sb.WriteString("## Conflicts\n\n")
		for _, a := range b.Conflicts {
			fmt.Fprintf(&sb, "### %s: %s\n\n", name(a.EntityID), a.Field)
			for _, c := range a.Candidates {
				fmt.Fprintf(&sb, "- %s (posterior %.2f, %d claims)\n", orUnknown(c.Value), c.Posterior, len(c.ClaimIDs))
			}
			sb.WriteString("\n")
		}
	}

	if len(b.Claims) > 0 {
		sb.WriteString("## Evidence\n\n")
		for _, c := range b.Claims {
			fmt.Fprintf(&sb, "- **%s** %s = %s: \"%s\" ([source](%s), weight %.2f)\n",
				name(c.SubjectID), c.Field, c.Value, c.CitationSnippet, c.SourceURL, c.EffectiveWeight())
		}
		sb.WriteString("\n")
	}

	if len(b.Sources) > 0 {
		sb.WriteString("## Sources\n\n")
		sb.WriteString("| URL | Class | Tier | Accessed |\n")
		sb.WriteString("|-----|-------|------|----------|\n")
		for _, s := range b.Sources {
			fmt.Fprintf(&sb, "| %s | %s | %d | %s |\n", s.URL, s.Class, s.Tier, s.AccessedAt.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}

	if len(b.Merges) > 0 {
		sb.WriteString("## Merges\n\n")
		for _, m := range b.Merges {
			members := make([]string, 0, len(m.MemberIDs))
			for _, id := range m.MemberIDs {
				members = append(members, name(id))
			}
			fmt.Fprintf(&sb, "- `%s` %s, %s (similarity %.2f): %s\n", m.ID, m.Status, m.Decision, m.Similarity, strings.Join(members, ", "))
			for _, why := range m.WhyNotMerge {
				fmt.Fprintf(&sb, "  - %s\n", why)
			}
		}
		sb.WriteString("\n")
	}

	if len(b.Discarded) > 0 {
		sb.WriteString("## Discarded work\n\n")
		for _, d := range b.Discarded {
			item, err := d.Decode()
			if err != nil {
				fmt.Fprintf(&sb, "- %s (undecodable: %v)\n", d.Kind, err)
				continue
			}
			fmt.Fprintf(&sb, "- %s \"%s\": %s\n", d.Kind, item.Meta().Query, item.Meta().LastError)
		}
		sb.WriteString("\n")
	}

	if len(b.Rejections) > 0 {
		sb.WriteString("## Rejections\n\n")
		for _, e := range b.Rejections {
			fmt.Fprintf(&sb, "- %s %s: %s\n", e.Action, e.After, e.Rationale)
		}
		sb.WriteString("\n")
	}

	if len(b.Signals) > 0 {
		sb.WriteString("## Signals\n\n")
		for _, s := range b.Signals {
			fmt.Fprintf(&sb, "- [%s] %s\n", s.Severity, s.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Summary prints a short colored overview of the bundle
func Summary(w io.Writer, b *model.ResearchBundle) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "%s\n", orUnknown(b.Subject.PrimaryName()))
	if b.Subject.Birth.Known() {
		fmt.Fprintf(w, "  born     %s\n", b.Subject.Birth)
	}
	if b.Subject.Death.Known() {
		fmt.Fprintf(w, "  died     %s\n", b.Subject.Death)
	}
	fmt.Fprintf(w, "  confidence %.2f\n", b.Subject.Confidence)
	fmt.Fprintf(w, "  persons %d, claims %d, sources %d, conflicts %d\n",
		len(b.Persons), len(b.Claims), len(b.Sources), len(b.Conflicts))
	if b.StopReason != "" {
		fmt.Fprintf(w, "  stopped: %s\n", b.StopReason)
	}
	for _, s := range b.Signals {
		fmt.Fprintf(w, "  %s %s\n", severityMark(s.Severity), s.Description)
	}
}

func severityMark(s model.SignalSeverity) string {
	switch s {
	case model.SeverityCritical:
		return color.New(color.FgRed).Sprint("✗")
	case model.SeverityWarning:
		return color.New(color.FgYellow).Sprint("!")
	default:
		return color.New(color.FgGreen).Sprint("✓")
	}
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func orUnknown(s string) string { return orDefault(s, "unknown") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
