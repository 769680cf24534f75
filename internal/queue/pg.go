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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/ids"
)

const taskColumns = `queue_id, execution_id, node_id, node_name, catalog_id, action, context, status, priority, attempts, max_attempts, available_at, lease_until, worker_id, last_error, created_at, updated_at`

// pgQueue Postgres 实现：queue 表，API 与 Worker 共享；
// Lease 用 FOR UPDATE SKIP LOCKED 保证同一任务至多一个持有者
type pgQueue struct {
	pool *pgxpool.Pool
	gen  *ids.Generator
}

// NewPostgresQueue 创建基于 PostgreSQL 的任务队列；dsn 为连接串（与事件表同库）
func NewPostgresQueue(ctx context.Context, dsn string, gen *ids.Generator) (*pgQueue, error) {
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
	return &pgQueue{pool: pool, gen: gen}, nil
}

// Close 关闭连接池
func (q *pgQueue) Close() {
	q.pool.Close()
}

func (q *pgQueue) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	if err := normalize(t); err != nil {
		return nil, err
	}
	if t.QueueID == 0 {
		t.QueueID = q.gen.Next()
	}
	actionJSON, err := jsonOrNull(t.Action)
	if err != nil {
		return nil, err
	}
	contextJSON, err := jsonOrNull(t.Context)
	if err != nil {
		return nil, err
	}
	cmd, err := q.pool.Exec(ctx,
		`INSERT INTO queue (queue_id, execution_id, node_id, node_name, catalog_id, action, context, status, priority, attempts, max_attempts, available_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12)
		 ON CONFLICT (execution_id, node_id) DO NOTHING`,
		t.QueueID, t.ExecutionID, t.NodeID, nullStr(t.NodeName), nullStr(t.CatalogID),
		actionJSON, contextJSON, string(StatusQueued), t.Priority, t.MaxAttempts,
		t.AvailableAt, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		// 重复入队：返回已有任务
		return q.getByNode(ctx, t.ExecutionID, t.NodeID)
	}
	out := *t
	return &out, nil
}

// FindByNode 按 (execution_id, node_id) 查询
func (q *pgQueue) FindByNode(ctx context.Context, executionID int64, nodeID string) (*Task, error) {
	return q.getByNode(ctx, executionID, nodeID)
}

func (q *pgQueue) getByNode(ctx context.Context, executionID int64, nodeID string) (*Task, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM queue WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (q *pgQueue) Lease(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE queue
		 SET status = $1, worker_id = $2, lease_until = now() + make_interval(secs => $3),
		     attempts = attempts + 1, updated_at = now()
		 WHERE queue_id = (
		     SELECT queue_id FROM queue
		     WHERE status = ANY($4) AND available_at <= now()
		     ORDER BY priority DESC, queue_id ASC
		     LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+taskColumns,
		string(StatusLeased), workerID, lease.Seconds(),
		[]string{string(StatusQueued), string(StatusRetry)})
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (q *pgQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, lease time.Duration) error {
	cmd, err := q.pool.Exec(ctx,
		`UPDATE queue SET lease_until = now() + make_interval(secs => $1), updated_at = now()
		 WHERE queue_id = $2 AND worker_id = $3 AND status = $4`,
		lease.Seconds(), queueID, workerID, string(StatusLeased))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *pgQueue) Complete(ctx context.Context, queueID int64, workerID string) error {
	cmd, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = $1, worker_id = NULL, lease_until = NULL, updated_at = now()
		 WHERE queue_id = $2 AND worker_id = $3 AND status = $4`,
		string(StatusDone), queueID, workerID, string(StatusLeased))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	// 没改到行：不存在或已 done 视为幂等成功，否则持有者不符
	t, err := q.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if t == nil || t.Status == StatusDone {
		return nil
	}
	return ErrNotOwner
}

func (q *pgQueue) Retry(ctx context.Context, queueID int64, lastError string, delay time.Duration) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = $1, worker_id = NULL, lease_until = NULL, last_error = $2,
		     available_at = now() + make_interval(secs => $3), updated_at = now()
		 WHERE queue_id = $4`,
		string(StatusRetry), nullStr(lastError), delay.Seconds(), queueID)
	return err
}

func (q *pgQueue) Dead(ctx context.Context, queueID int64, lastError string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = $1, worker_id = NULL, lease_until = NULL, last_error = $2, updated_at = now()
		 WHERE queue_id = $3`,
		string(StatusDead), nullStr(lastError), queueID)
	return err
}

// Reclaim 处置租约过期的 leased 任务：次数耗尽的置 dead，其余置回 queued
func (q *pgQueue) Reclaim(ctx context.Context) ([]Task, error) {
	var out []Task
	dead, err := q.pool.Query(ctx,
		`UPDATE queue SET status = $1, worker_id = NULL, lease_until = NULL,
		     last_error = $2, updated_at = now()
		 WHERE status = $3 AND lease_until < now() AND attempts >= max_attempts
		 RETURNING `+taskColumns,
		string(StatusDead), "lease expired; attempts exhausted", string(StatusLeased))
	if err != nil {
		return nil, err
	}
	out, err = collectTasks(dead, out)
	if err != nil {
		return nil, err
	}
	requeued, err := q.pool.Query(ctx,
		`UPDATE queue SET status = $1, worker_id = NULL, lease_until = NULL,
		     available_at = now(), updated_at = now()
		 WHERE status = $2 AND lease_until < now()
		 RETURNING `+taskColumns,
		string(StatusQueued), string(StatusLeased))
	if err != nil {
		return nil, err
	}
	return collectTasks(requeued, out)
}

func collectTasks(rows pgx.Rows, out []Task) ([]Task, error) {
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *pgQueue) Get(ctx context.Context, queueID int64) (*Task, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM queue WHERE queue_id = $1`, queueID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (q *pgQueue) List(ctx context.Context, executionID int64) ([]Task, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM queue WHERE execution_id = $1 ORDER BY queue_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *pgQueue) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var nodeName, catalogID, workerID, lastError *string
	var actionRaw, contextRaw []byte
	var status string
	var leaseUntil *time.Time
	if err := row.Scan(&t.QueueID, &t.ExecutionID, &t.NodeID, &nodeName, &catalogID,
		&actionRaw, &contextRaw, &status, &t.Priority, &t.Attempts, &t.MaxAttempts,
		&t.AvailableAt, &leaseUntil, &workerID, &lastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if nodeName != nil {
		t.NodeName = *nodeName
	}
	if catalogID != nil {
		t.CatalogID = *catalogID
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	if leaseUntil != nil {
		t.LeaseUntil = *leaseUntil
	}
	if len(actionRaw) > 0 {
		if err := json.Unmarshal(actionRaw, &t.Action); err != nil {
			return nil, err
		}
	}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &t.Context); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func jsonOrNull(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
