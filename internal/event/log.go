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
	"errors"
	"time"
)

var (
	// ErrMissingExecution 事件缺少 execution_id
	ErrMissingExecution = errors.New("event: missing execution id")
	// ErrUnknownType 事件类型未识别
	ErrUnknownType = errors.New("event: unknown event type")
)

// Log 追加式事件日志。Append 成功即持久且对后续读取可见；
// 携带已存在 ID 的重复 Append 幂等返回已存事件。
type Log interface {
	// Append 持久化事件；e.ID 为 0 时由实现分配。返回存储形态（重复 ID 返回原事件）
	Append(ctx context.Context, e *Event) (*Event, error)
	// Stream 按事件 ID 全序返回该执行的全部事件
	Stream(ctx context.Context, executionID int64) ([]Event, error)
	// EarliestContext 返回 execution_start 捕获的 workload
	EarliestContext(ctx context.Context, executionID int64) (map[string]any, error)
	// ResultsByNode 节点名 → 最近一次成功结果；重名（重跑/迭代）以最新为准
	ResultsByNode(ctx context.Context, executionID int64) (map[string]any, error)
}

// WorkloadStore 执行初始参数映射；提交时写入
type WorkloadStore interface {
	SetWorkload(ctx context.Context, executionID int64, data map[string]any) error
	GetWorkload(ctx context.Context, executionID int64) (map[string]any, error)
}

// ErrorEntry 模板/解析诊断记录；独立于事件日志，供排障
type ErrorEntry struct {
	ID          int64     `json:"id"`
	ExecutionID int64     `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Kind        string    `json:"kind"` // template_rendering | ...
	Template    string    `json:"template,omitempty"`
	ContextKeys []string  `json:"context_keys,omitempty"`
	Message     string    `json:"message"`
	Stack       string    `json:"stack,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorLog 诊断错误日志
type ErrorLog interface {
	Record(ctx context.Context, entry *ErrorEntry) error
	ListErrors(ctx context.Context, executionID int64) ([]ErrorEntry, error)
}

// normalize 校验并补全时间戳；所有实现共用
func normalize(e *Event) error {
	if e.ExecutionID == 0 {
		return ErrMissingExecution
	}
	if e.Type == "" || !e.Type.Known() {
		return ErrUnknownType
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	return nil
}

// UnwrapResult 结果若是 {status, data, ...} 包装则取 data，供上层以
// `{{ step.field }}` 直接访问
func UnwrapResult(result any) any {
	m, ok := result.(map[string]any)
	if !ok {
		return result
	}
	if _, hasStatus := m["status"]; !hasStatus {
		return result
	}
	if data, hasData := m["data"]; hasData {
		return data
	}
	return result
}
