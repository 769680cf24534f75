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

// Package worker 任务执行端：租队列任务、按动作类型分发执行、回报结果事件。
// worker 不理解剧本，只认渲染后的动作配置。
package worker

import (
	"context"
	"fmt"
	"sync"
)

// Executor 单一动作类型的执行器。失败时第一返回值可携带
// 供重试规则检视的细节（如 status_code）。
type Executor interface {
	Execute(ctx context.Context, action map[string]any) (any, error)
}

// ExecutorFunc 函数适配
type ExecutorFunc func(ctx context.Context, action map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, action map[string]any) (any, error) {
	return f(ctx, action)
}

// Registry 动作类型到执行器的注册表
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register 注册执行器，同类型覆盖
func (r *Registry) Register(actionType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = exec
}

// Get 取执行器；未注册返回 nil
func (r *Registry) Get(actionType string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[actionType]
}

// unsupported python/duckdb 等当前进程不承载的动作类型；
// 失败是永久性的，不应重试
func unsupported(actionType string) Executor {
	return ExecutorFunc(func(ctx context.Context, action map[string]any) (any, error) {
		return map[string]any{"error": fmt.Sprintf("action type %q is not supported by this worker", actionType), "permanent": true},
			fmt.Errorf("worker: action type %q not supported", actionType)
	})
}
