// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/ids"
)

// pgStore Postgres 实现：catalog 表
type pgStore struct {
	pool *pgxpool.Pool
	gen  *ids.Generator
}

// NewPostgresStore 创建基于 PostgreSQL 的剧本目录；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string, gen *ids.Generator) (*pgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if gen == nil {
		gen = ids.Default()
	}
	return &pgStore{pool: pool, gen: gen}, nil
}

// Close 关闭连接池
func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) Register(ctx context.Context, content []byte) (*Entry, error) {
	pb, err := parseContent(content)
	if err != nil {
		return nil, err
	}
	path := pb.Path()
	version := pb.Version()
	if version == "" {
		latest, err := s.latestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		version = nextVersion(latest)
	}
	entry := Entry{
		CatalogID:    formatID(s.gen.Next()),
		Path:         path,
		Version:      version,
		Content:      content,
		RegisteredAt: time.Now().UTC(),
	}
	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO catalog (catalog_id, path, version, content, registered_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (path, version) DO NOTHING`,
		entry.CatalogID, entry.Path, entry.Version, entry.Content, entry.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		// 同版本已注册：返回已有条目
		return s.Lookup(ctx, path, version)
	}
	return &entry, nil
}

// latestVersion path 的最高已注册版本；无则返回空串。
// 版本号按数值比较，SQL 排序不可靠，取回后在内存比较
func (s *pgStore) latestVersion(ctx context.Context, path string) (string, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM catalog WHERE path = $1`, path)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	latest := ""
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		if latest == "" || compareVersions(v, latest) > 0 {
			latest = v
		}
	}
	return latest, rows.Err()
}

func (s *pgStore) Lookup(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" || version == VersionLatest {
		latest, err := s.latestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, ErrNotFound
		}
		version = latest
	}
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, path, version, content, registered_at
		 FROM catalog WHERE path = $1 AND version = $2`, path, version)
	return scanEntry(row)
}

func (s *pgStore) GetByID(ctx context.Context, catalogID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, path, version, content, registered_at
		 FROM catalog WHERE catalog_id = $1`, catalogID)
	return scanEntry(row)
}

func (s *pgStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT catalog_id, path, version, content, registered_at FROM catalog ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &e.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &e.RegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
