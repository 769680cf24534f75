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

package event

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/ids"
)

// pgLog PostgreSQL 实现：event / workload / error_log 三张表
type pgLog struct {
	pool *pgxpool.Pool
	gen  *ids.Generator
}

// NewPostgresLog 创建基于 PostgreSQL 的事件日志；dsn 为连接串
func NewPostgresLog(ctx context.Context, dsn string, gen *ids.Generator) (*pgLog, error) {
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
	return &pgLog{pool: pool, gen: gen}, nil
}

// Close 关闭连接池
func (l *pgLog) Close() {
	l.pool.Close()
}

func (l *pgLog) Append(ctx context.Context, e *Event) (*Event, error) {
	if err := normalize(e); err != nil {
		return nil, err
	}
	if e.ID == 0 {
		e.ID = l.gen.Next()
	}
	contextJSON, err := jsonOrNull(e.Context)
	if err != nil {
		return nil, err
	}
	resultJSON, err := jsonOrNull(e.Result)
	if err != nil {
		return nil, err
	}
	metaJSON, err := jsonOrNull(e.Meta)
	if err != nil {
		return nil, err
	}
	cmd, err := l.pool.Exec(ctx,
		`INSERT INTO event (id, execution_id, parent_event_id, event_type, status, node_id, node_name, node_type, context, result, metadata, catalog_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ExecutionID, nullInt(e.ParentID), string(e.Type), nullStr(e.Status),
		nullStr(e.NodeID), nullStr(e.NodeName), nullStr(e.NodeType),
		contextJSON, resultJSON, metaJSON, nullStr(e.CatalogID), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		// 重复 ID：返回已存事件
		return l.getByID(ctx, e.ID)
	}
	out := *e
	return &out, nil
}

func (l *pgLog) getByID(ctx context.Context, id int64) (*Event, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT id, execution_id, parent_event_id, event_type, status, node_id, node_name, node_type, context, result, metadata, catalog_id, timestamp
		 FROM event WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (l *pgLog) Stream(ctx context.Context, executionID int64) ([]Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, execution_id, parent_event_id, event_type, status, node_id, node_name, node_type, context, result, metadata, catalog_id, timestamp
		 FROM event WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (l *pgLog) EarliestContext(ctx context.Context, executionID int64) (map[string]any, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx,
		`SELECT context FROM event WHERE execution_id = $1 AND event_type = $2 ORDER BY id LIMIT 1`,
		executionID, string(ExecutionStart)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return l.GetWorkload(ctx, executionID)
		}
		return nil, err
	}
	return decodeMap(raw)
}

func (l *pgLog) ResultsByNode(ctx context.Context, executionID int64) (map[string]any, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT DISTINCT ON (node_name) node_name, result
		 FROM event
		 WHERE execution_id = $1 AND node_name IS NOT NULL AND result IS NOT NULL
		   AND event_type = ANY($2)
		 ORDER BY node_name, id DESC`,
		executionID, []string{string(ActionCompleted), string(StepCompleted), string(LoopCompleted), string(StepResult)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
		}
		out[name] = v
	}
	return out, rows.Err()
}

func (l *pgLog) SetWorkload(ctx context.Context, executionID int64, data map[string]any) error {
	raw, err := jsonOrNull(data)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO workload (execution_id, data) VALUES ($1, $2)
		 ON CONFLICT (execution_id) DO UPDATE SET data = $2`,
		executionID, raw)
	return err
}

func (l *pgLog) GetWorkload(ctx context.Context, executionID int64) (map[string]any, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx,
		`SELECT data FROM workload WHERE execution_id = $1`, executionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeMap(raw)
}

func (l *pgLog) Record(ctx context.Context, entry *ErrorEntry) error {
	if entry.ID == 0 {
		entry.ID = l.gen.Next()
	}
	keysJSON, err := jsonOrNull(entry.ContextKeys)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO error_log (id, execution_id, node_id, kind, template, context_keys, message, stack, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		entry.ID, entry.ExecutionID, nullStr(entry.NodeID), entry.Kind,
		nullStr(entry.Template), keysJSON, entry.Message, nullStr(entry.Stack))
	return err
}

func (l *pgLog) ListErrors(ctx context.Context, executionID int64) ([]ErrorEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, execution_id, node_id, kind, template, context_keys, message, stack, timestamp
		 FROM error_log WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var nodeID, template, stack *string
		var keysRaw []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Kind, &template, &keysRaw, &e.Message, &stack, &e.Timestamp); err != nil {
			return nil, err
		}
		if nodeID != nil {
			e.NodeID = *nodeID
		}
		if template != nil {
			e.Template = *template
		}
		if stack != nil {
			e.Stack = *stack
		}
		if len(keysRaw) > 0 {
			_ = json.Unmarshal(keysRaw, &e.ContextKeys)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var parentID *int64
	var typeStr string
	var status, nodeID, nodeName, nodeType, catalogID *string
	var contextRaw, resultRaw, metaRaw []byte
	if err := row.Scan(&e.ID, &e.ExecutionID, &parentID, &typeStr, &status,
		&nodeID, &nodeName, &nodeType, &contextRaw, &resultRaw, &metaRaw, &catalogID, &e.Timestamp); err != nil {
		return nil, err
	}
	if parentID != nil {
		e.ParentID = *parentID
	}
	e.Type = Type(typeStr)
	if status != nil {
		e.Status = *status
	}
	if nodeID != nil {
		e.NodeID = *nodeID
	}
	if nodeName != nil {
		e.NodeName = *nodeName
	}
	if nodeType != nil {
		e.NodeType = *nodeType
	}
	if catalogID != nil {
		e.CatalogID = *catalogID
	}
	var err error
	if e.Context, err = decodeMap(contextRaw); err != nil {
		return nil, err
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &e.Result); err != nil {
			return nil, err
		}
	}
	if e.Meta, err = decodeMap(metaRaw); err != nil {
		return nil, err
	}
	return &e, nil
}

func jsonOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
