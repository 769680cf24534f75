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

// Package queue 持久化任务队列：broker 入队、worker 租约执行。
// 同一任务同一时刻至多一个 worker 持有租约。
package queue

import (
	"context"
	"errors"
	"time"
)

// Status 任务状态
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusRetry  Status = "retry"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

var (
	// ErrLeaseLost 心跳/续约时任务已不属于该 worker
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrNotOwner 完成任务的调用方不是当前租约持有者
	ErrNotOwner = errors.New("queue: not lease owner")
	// ErrTaskNil 入队任务为空
	ErrTaskNil = errors.New("queue: task is nil")
)

// Task 队列中的一个动作任务。Action 是 broker 半渲染后的任务配置，
// Context 是 worker 端补渲染所需的上下文快照。
type Task struct {
	QueueID     int64          `json:"queue_id"`
	ExecutionID int64          `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name,omitempty"`
	CatalogID   string         `json:"catalog_id,omitempty"`
	Action      map[string]any `json:"action,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Status      Status         `json:"status"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	AvailableAt time.Time      `json:"available_at"`
	LeaseUntil  time.Time      `json:"lease_until,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Queue 任务队列存储。
// Enqueue 以 (execution_id, node_id) 幂等；Lease 原子领取并递增 attempts。
type Queue interface {
	// Enqueue 入队；同 (execution_id, node_id) 已存在时返回已有任务，不重复入队
	Enqueue(ctx context.Context, t *Task) (*Task, error)
	// Lease 原子领取一条可见任务（queued/retry 且 available_at ≤ now），
	// 按 priority 降序、queue_id 升序；attempts += 1，置 leased。无则返回 nil, nil
	Lease(ctx context.Context, workerID string, lease time.Duration) (*Task, error)
	// Heartbeat 续约；任务不再归该 worker 持有时返回 ErrLeaseLost
	Heartbeat(ctx context.Context, queueID int64, workerID string, lease time.Duration) error
	// Complete 置 done；workerID 不是当前租约持有者时返回 ErrNotOwner，
	// 对已 done 的任务重复调用无害
	Complete(ctx context.Context, queueID int64, workerID string) error
	// Retry 置 retry，delay 后再次可见；不重置 attempts
	Retry(ctx context.Context, queueID int64, lastError string, delay time.Duration) error
	// Dead 置 dead，不再投递
	Dead(ctx context.Context, queueID int64, lastError string) error
	// Reclaim 处置租约过期的 leased 任务：attempts 已达 max_attempts 的置
	// dead，其余置回 queued；返回被处置的任务（带新状态）
	Reclaim(ctx context.Context) ([]Task, error)
	// Get 按 queue_id 查询；无则返回 nil, nil
	Get(ctx context.Context, queueID int64) (*Task, error)
	// FindByNode 按 (execution_id, node_id) 查询；无则返回 nil, nil
	FindByNode(ctx context.Context, executionID int64, nodeID string) (*Task, error)
	// List 返回该执行的全部任务，按 queue_id 升序
	List(ctx context.Context, executionID int64) ([]Task, error)
	// CountByStatus 各状态任务数，供 queue_depth gauge
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// normalize 校验并补全默认值
func normalize(t *Task) error {
	if t == nil {
		return ErrTaskNil
	}
	if t.ExecutionID == 0 {
		return errors.New("queue: missing execution id")
	}
	if t.NodeID == "" {
		return errors.New("queue: missing node id")
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Status = StatusQueued
	return nil
}
