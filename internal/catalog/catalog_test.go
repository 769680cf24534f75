package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func playbookYAML(path, version string) []byte {
	meta := fmt.Sprintf("  path: %s\n", path)
	if version != "" {
		meta += fmt.Sprintf("  version: %q\n", version)
	}
	return []byte(`metadata:
` + meta + `workflow:
  - step: start
    next:
      - step: end
  - step: end
`)
}

func TestMemoryStore_RegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	entry, err := s.Register(ctx, playbookYAML("examples/weather", "0.1.0"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.CatalogID == "" || entry.Path != "examples/weather" || entry.Version != "0.1.0" {
		t.Fatalf("entry = %+v", entry)
	}
	got, err := s.Lookup(ctx, "examples/weather", "0.1.0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.CatalogID != entry.CatalogID {
		t.Errorf("lookup returned %s, want %s", got.CatalogID, entry.CatalogID)
	}
	byID, err := s.GetByID(ctx, entry.CatalogID)
	if err != nil || byID.Path != "examples/weather" {
		t.Errorf("GetByID = %+v, %v", byID, err)
	}
}

func TestMemoryStore_AutoVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	first, err := s.Register(ctx, playbookYAML("p", ""))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Version != "0.1.0" {
		t.Errorf("first auto version = %s", first.Version)
	}
	second, _ := s.Register(ctx, playbookYAML("p", ""))
	if second.Version != "0.1.1" {
		t.Errorf("second auto version = %s", second.Version)
	}
}

func TestMemoryStore_RegisterSameVersionIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	first, _ := s.Register(ctx, playbookYAML("p", "1.0.0"))
	second, err := s.Register(ctx, playbookYAML("p", "1.0.0"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second.CatalogID != first.CatalogID {
		t.Errorf("same version re-register created new entry")
	}
	entries, _ := s.List(ctx)
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestMemoryStore_LatestResolution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_, _ = s.Register(ctx, playbookYAML("p", "0.9.0"))
	_, _ = s.Register(ctx, playbookYAML("p", "0.10.0")) // 数值比较：0.10 > 0.9
	_, _ = s.Register(ctx, playbookYAML("p", "0.2.0"))

	got, err := s.Lookup(ctx, "p", VersionLatest)
	if err != nil {
		t.Fatalf("Lookup latest: %v", err)
	}
	if got.Version != "0.10.0" {
		t.Errorf("latest = %s, want 0.10.0", got.Version)
	}
	// 空 version 同 latest
	got, _ = s.Lookup(ctx, "p", "")
	if got.Version != "0.10.0" {
		t.Errorf("empty version = %s, want 0.10.0", got.Version)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if _, err := s.Lookup(ctx, "missing", "latest"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_, _ = s.Register(ctx, playbookYAML("p", "1.0.0"))
	if _, err := s.Lookup(ctx, "p", "9.9.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown version, got %v", err)
	}
}

func TestMemoryStore_RejectsInvalidPlaybook(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if _, err := s.Register(ctx, []byte("metadata:\n  version: \"1\"\nworkflow:\n  - step: start\n    next:\n      - step: end\n  - step: end\n")); !errors.Is(err, ErrMissingPath) {
		t.Errorf("expected ErrMissingPath, got %v", err)
	}
	if _, err := s.Register(ctx, []byte("not: a playbook")); err == nil {
		t.Error("expected parse error")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int // sign
	}{
		{"0.1.0", "0.1.0", 0},
		{"0.2.0", "0.10.0", -1},
		{"1.0.0", "0.9.9", 1},
		{"0.1", "0.1.1", -1},
	}
	for _, c := range cases {
		got := compareVersions(c.a, c.b)
		switch {
		case c.want == 0 && got != 0,
			c.want < 0 && got >= 0,
			c.want > 0 && got <= 0:
			t.Errorf("compareVersions(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}
