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

// Package event 定义追加式事件日志：执行的全部状态变化都落在这里，
// 状态由折叠事件流得出，事件本身永不更新。
package event

import "time"

// Type 事件类型
type Type string

// 执行级事件
const (
	ExecutionStart    Type = "execution_start"
	ExecutionComplete Type = "execution_complete"
	ExecutionFailed   Type = "execution_failed"
	CancelRequested   Type = "cancel_requested"
)

// 步骤级事件
const (
	StepStarted   Type = "step_started"
	StepCompleted Type = "step_completed"
	StepFailed    Type = "step_failed"
	StepResult    Type = "step_result"
	StepRetry     Type = "step_retry"
)

// 动作级事件（worker 回报）
const (
	ActionStarted   Type = "action_started"
	ActionCompleted Type = "action_completed"
	ActionError     Type = "action_error"
	ActionRetry     Type = "action_retry"
)

// 迭代事件
const (
	IteratorStarted    Type = "iterator_started"
	IterationStarted   Type = "iteration_started"
	IterationCompleted Type = "iteration_completed"
	IterationFailed    Type = "iteration_failed"
	LoopStarted        Type = "loop_started"
	LoopCompleted      Type = "loop_completed"
)

// Sink 事件
const (
	SaveStarted   Type = "save_started"
	SaveCompleted Type = "save_completed"
	SaveFailed    Type = "save_failed"
	SaveError     Type = "save_error"
)

// 终态状态值（API 对外暴露）
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusRunning   = "RUNNING"
)

// Event 单条不可变事件；ID 为 snowflake，全局单调，执行内事件按 ID 全序
type Event struct {
	ID          int64          `json:"event_id"`
	ExecutionID int64          `json:"execution_id"`
	ParentID    int64          `json:"parent_event_id,omitempty"`
	Type        Type           `json:"event_type"`
	Status      string         `json:"status,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	NodeType    string         `json:"node_type,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Result      any            `json:"result,omitempty"`
	Meta        map[string]any `json:"metadata,omitempty"`
	CatalogID   string         `json:"catalog_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Terminal 是否终态事件
func (t Type) Terminal() bool {
	return t == ExecutionComplete || t == ExecutionFailed
}

// Known 是否已识别的事件类型
func (t Type) Known() bool {
	switch t {
	case ExecutionStart, ExecutionComplete, ExecutionFailed, CancelRequested,
		StepStarted, StepCompleted, StepFailed, StepResult, StepRetry,
		ActionStarted, ActionCompleted, ActionError, ActionRetry,
		IteratorStarted, IterationStarted, IterationCompleted, IterationFailed,
		LoopStarted, LoopCompleted,
		SaveStarted, SaveCompleted, SaveFailed, SaveError:
		return true
	}
	return false
}

// MetaInt 从 metadata 取整数（JSON 反序列化后数字是 float64）
func (e *Event) MetaInt(key string) (int, bool) {
	if e.Meta == nil {
		return 0, false
	}
	switch v := e.Meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// MetaString 从 metadata 取字符串
func (e *Event) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}
