package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/lineage/internal/model"
)

func TestKey(t *testing.T) {
	a := Key("web", "https://example.org/a")
	if !strings.HasPrefix(a, "lineage:v1:") {
		t.Errorf("Key() = %q, want lineage:v1: prefix", a)
	}
	if a != Key("web", "https://example.org/a") {
		t.Error("Key() is not deterministic")
	}
	if a == Key("webhttps://example.org/a") {
		t.Error("Key() parts must not collide when concatenated")
	}
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	val := []byte("document")
	if err := c.Set("k", val, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val[0] = 'X'

	got, ok := c.Get("k")
	if !ok || string(got) != "document" {
		t.Errorf("Get() = %q, %v; want a private copy of the stored value", got, ok)
	}

	if err := c.Set("short", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("expired entry still returned")
	}

	_ = c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted entry still returned")
	}
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := Key("web", "https://example.org/a")
	if err := c.Set(key, []byte("page"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok := c.Get(key)
	if !ok || string(got) != "page" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := c.Get(key); ok {
		t.Error("expired entry still returned")
	}
	if _, err := os.Stat(c.path(key)); !os.IsNotExist(err) {
		t.Error("expired file was not removed")
	}

	if err := c.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestDiskCacheClearKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	if err := c.Set("k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("cache entry survived Clear()")
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("Clear() removed a foreign file: %v", err)
	}
}

func TestLayeredCachePromotes(t *testing.T) {
	dir := t.TempDir()
	c := NewLayeredCache(time.Minute, dir, time.Hour)
	if err := c.disk.Set("k", []byte("from disk"), 0); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get("k")
	if !ok || string(got) != "from disk" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}
	if _, ok := c.memory.Get("k"); !ok {
		t.Error("disk hit was not promoted to memory")
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(model.CacheConfig{}).(Nop); !ok {
		t.Error("disabled config should give a Nop cache")
	}
	if _, ok := New(model.CacheConfig{Enabled: true, MemoryTTL: time.Minute}).(*MemoryCache); !ok {
		t.Error("config without dir should give a memory cache")
	}
	if _, ok := New(model.CacheConfig{Enabled: true, Dir: t.TempDir()}).(*LayeredCache); !ok {
		t.Error("config with dir should give a layered cache")
	}
}
