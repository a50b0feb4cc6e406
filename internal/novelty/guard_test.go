package novelty

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"case and whitespace", "  Thomas   VINCENT ", "thomas vincent"},
		{"token order", "Vincent Thomas", "thomas vincent"},
		{"punctuation", "Vincent, Thomas.", "thomas vincent"},
		{"compatibility forms", "ＴＨＯＭＡＳ vincent", "thomas vincent"},
		{"digits kept", "born 1977 Thomas", "1977 born thomas"},
		{"empty", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashVersioned(t *testing.T) {
	h := Hash("Arthur Vincent")
	if !strings.HasPrefix(h, hashPrefix) {
		t.Errorf("Hash() = %q, missing prefix %q", h, hashPrefix)
	}
	if Hash("vincent  ARTHUR") != h {
		t.Error("equivalent queries should hash identically")
	}
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	g := NewGuard(time.Hour)

	if !g.Admit("item-1", "search Arthur Vincent") {
		t.Fatal("first Admit() = false, want true")
	}
	if g.Admit("item-2", "Vincent  arthur SEARCH") {
		t.Error("duplicate query from another item should be rejected")
	}
	if !g.Admit("item-1", "search Arthur Vincent") {
		t.Error("re-admitting the owning item (retry) should succeed")
	}
	if g.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", g.Pending())
	}
}

func TestCompleteRemembersRecent(t *testing.T) {
	g := NewGuard(time.Hour)
	g.Admit("item-1", "Thomas Vincent 1977")
	g.Complete("item-1", "Thomas Vincent 1977")

	if g.Pending() != 0 {
		t.Errorf("Pending() = %d after Complete, want 0", g.Pending())
	}
	if !g.Seen("thomas vincent 1977") {
		t.Error("completed query should be seen")
	}
	if g.Admit("item-2", "Thomas Vincent 1977") {
		t.Error("recently completed query should be rejected")
	}
}

func TestRecentExpires(t *testing.T) {
	g := NewGuard(20 * time.Millisecond)
	g.Admit("item-1", "q")
	g.Complete("item-1", "q")

	time.Sleep(40 * time.Millisecond)

	if g.Seen("q") {
		t.Error("completed query should expire after the TTL")
	}
	if !g.Admit("item-2", "q") {
		t.Error("expired query should be admitted again")
	}
}

func TestRelease(t *testing.T) {
	g := NewGuard(time.Hour)
	g.Admit("item-1", "q")
	g.Release("item-2", "q")
	if !g.Seen("q") {
		t.Error("Release by a non-owner must not drop the reservation")
	}
	g.Release("item-1", "q")
	if g.Seen("q") {
		t.Error("released query should not be remembered")
	}
}

func TestSnapshotRestore(t *testing.T) {
	g := NewGuard(time.Hour)
	g.Admit("item-1", "pending query")
	g.Admit("item-2", "done query")
	g.Complete("item-2", "done query")

	st := g.Snapshot()
	if len(st.Pending) != 1 || len(st.Recent) != 1 {
		t.Fatalf("Snapshot() = %d pending, %d recent; want 1, 1", len(st.Pending), len(st.Recent))
	}

	restored := NewGuard(time.Hour)
	restored.Restore(st)
	if restored.Admit("item-3", "pending query") {
		t.Error("restored pending query should be rejected for other items")
	}
	if !restored.Admit("item-1", "pending query") {
		t.Error("restored owner should be re-admitted")
	}
	if !restored.Seen("done query") {
		t.Error("restored completed query should be seen")
	}

	st.Recent[Hash("stale")] = time.Now().Add(-time.Minute)
	restored.Restore(st)
	if restored.Seen("stale") {
		t.Error("expired entries should be dropped on restore")
	}
}
