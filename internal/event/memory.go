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
	"sort"
	"sync"
	"time"

	"noetl/internal/ids"
)

// memoryLog 内存实现：单测与 dev 单进程模式用
type memoryLog struct {
	mu        sync.RWMutex
	byExec    map[int64][]Event
	byID      map[int64]*Event
	workloads map[int64]map[string]any
	errs      []ErrorEntry
	gen       *ids.Generator
}

// NewMemoryLog 创建内存版事件日志（同时实现 WorkloadStore 与 ErrorLog）
func NewMemoryLog(gen *ids.Generator) *memoryLog {
	if gen == nil {
		gen = ids.Default()
	}
	return &memoryLog{
		byExec:    make(map[int64][]Event),
		byID:      make(map[int64]*Event),
		workloads: make(map[int64]map[string]any),
		gen:       gen,
	}
}

func (l *memoryLog) Append(ctx context.Context, e *Event) (*Event, error) {
	if err := normalize(e); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID != 0 {
		if existing, ok := l.byID[e.ID]; ok {
			out := *existing
			return &out, nil
		}
	} else {
		e.ID = l.gen.Next()
	}
	stored := *e
	list := l.byExec[e.ExecutionID]
	// 按 ID 有序插入；外部提供的 ID 可能小于已存事件
	idx := sort.Search(len(list), func(i int) bool { return list[i].ID > stored.ID })
	list = append(list, Event{})
	copy(list[idx+1:], list[idx:])
	list[idx] = stored
	l.byExec[e.ExecutionID] = list
	l.byID[stored.ID] = &list[idx]
	// 插入可能移动了切片元素，重建索引指针
	for i := range list {
		l.byID[list[i].ID] = &list[i]
	}
	out := stored
	return &out, nil
}

func (l *memoryLog) Stream(ctx context.Context, executionID int64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.byExec[executionID]
	out := make([]Event, len(list))
	copy(out, list)
	return out, nil
}

func (l *memoryLog) EarliestContext(ctx context.Context, executionID int64) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.byExec[executionID] {
		if e.Type == ExecutionStart {
			return cloneMap(e.Context), nil
		}
	}
	if w, ok := l.workloads[executionID]; ok {
		return cloneMap(w), nil
	}
	return nil, nil
}

func (l *memoryLog) ResultsByNode(ctx context.Context, executionID int64) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any)
	for _, e := range l.byExec[executionID] {
		switch e.Type {
		case ActionCompleted, StepCompleted, LoopCompleted, StepResult:
			if e.NodeName != "" && e.Result != nil {
				out[e.NodeName] = e.Result
			}
		}
	}
	return out, nil
}

func (l *memoryLog) SetWorkload(ctx context.Context, executionID int64, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workloads[executionID] = cloneMap(data)
	return nil
}

func (l *memoryLog) GetWorkload(ctx context.Context, executionID int64) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneMap(l.workloads[executionID]), nil
}

func (l *memoryLog) Record(ctx context.Context, entry *ErrorEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == 0 {
		entry.ID = l.gen.Next()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.errs = append(l.errs, *entry)
	return nil
}

func (l *memoryLog) ListErrors(ctx context.Context, executionID int64) ([]ErrorEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ErrorEntry
	for _, e := range l.errs {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
