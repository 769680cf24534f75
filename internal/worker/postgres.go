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

package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresExecutor postgres 动作：db_url + command/commands。
// SELECT 返回行集合，其余语句返回影响行数。
type postgresExecutor struct {
	defaultDSN string

	// 连接池按 DSN 复用，worker 生命周期内常驻
	pools map[string]*pgxpool.Pool
}

// NewPostgresExecutor 创建 postgres 执行器；defaultDSN 供动作未显式给 db_url 时用
func NewPostgresExecutor(defaultDSN string) Executor {
	return &postgresExecutor{defaultDSN: defaultDSN, pools: make(map[string]*pgxpool.Pool)}
}

func (e *postgresExecutor) Execute(ctx context.Context, action map[string]any) (any, error) {
	dsn := stringOr(action["db_url"], e.defaultDSN)
	if dsn == "" {
		return nil, fmt.Errorf("worker: postgres action missing db_url")
	}
	commands, err := sqlCommands(action)
	if err != nil {
		return nil, err
	}
	pool, err := e.pool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(commands))
	for _, sql := range commands {
		if isQuery(sql) {
			rows, err := e.query(ctx, pool, sql)
			if err != nil {
				return nil, err
			}
			results = append(results, map[string]any{"rows": rows, "count": len(rows)})
			continue
		}
		tag, err := pool.Exec(ctx, sql)
		if err != nil {
			return nil, fmt.Errorf("worker: postgres exec: %w", err)
		}
		results = append(results, map[string]any{"rows_affected": tag.RowsAffected()})
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return map[string]any{"results": results}, nil
}

func (e *postgresExecutor) query(ctx context.Context, pool *pgxpool.Pool, sql string) ([]map[string]any, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("worker: postgres query: %w", err)
	}
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i := range fields {
			row[string(fields[i].Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (e *postgresExecutor) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if p, ok := e.pools[dsn]; ok {
		return p, nil
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("worker: postgres dsn: %w", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	e.pools[dsn] = p
	return p, nil
}

func sqlCommands(action map[string]any) ([]string, error) {
	switch v := action["commands"].(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, c := range v {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("worker: postgres commands must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	if s, ok := action["command"].(string); ok && s != "" {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("worker: postgres action missing command")
}

func isQuery(sql string) bool {
	head := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}
