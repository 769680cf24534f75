package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"noetl/internal/ids"
)

// memoryStore 内存实现：单测与 dev 单进程模式用
type memoryStore struct {
	mu     sync.RWMutex
	byPath map[string][]Entry // 版本升序
	byID   map[string]*Entry
	gen    *ids.Generator
}

// NewMemoryStore 创建内存剧本目录
func NewMemoryStore(gen *ids.Generator) *memoryStore {
	if gen == nil {
		gen = ids.Default()
	}
	return &memoryStore{
		byPath: make(map[string][]Entry),
		byID:   make(map[string]*Entry),
		gen:    gen,
	}
}

func (s *memoryStore) Register(ctx context.Context, content []byte) (*Entry, error) {
	pb, err := parseContent(content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := pb.Path()
	versions := s.byPath[path]
	version := pb.Version()
	if version == "" {
		latest := ""
		if len(versions) > 0 {
			latest = versions[len(versions)-1].Version
		}
		version = nextVersion(latest)
	}
	for i := range versions {
		if versions[i].Version == version {
			cp := versions[i]
			return &cp, nil
		}
	}
	entry := Entry{
		CatalogID:    formatID(s.gen.Next()),
		Path:         path,
		Version:      version,
		Content:      append([]byte(nil), content...),
		RegisteredAt: time.Now().UTC(),
	}
	versions = append(versions, entry)
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i].Version, versions[j].Version) < 0
	})
	s.byPath[path] = versions
	for i := range versions {
		s.byID[versions[i].CatalogID] = &versions[i]
	}
	out := entry
	return &out, nil
}

func (s *memoryStore) Lookup(ctx context.Context, path, version string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byPath[path]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == "" || version == VersionLatest {
		cp := versions[len(versions)-1]
		return &cp, nil
	}
	for i := range versions {
		if versions[i].Version == version {
			cp := versions[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) GetByID(ctx context.Context, catalogID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[catalogID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var out []Entry
	for _, p := range paths {
		out = append(out, s.byPath[p]...)
	}
	return out, nil
}
