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
	"encoding/json"
	"fmt"

	"noetl/internal/playbook"
	"noetl/internal/render"
	"noetl/internal/retry"
)

// maxContinuations 单任务内的续跑上限，防止剧本写出无限翻页
const maxContinuations = 100

// runner 动作执行核心：补渲染、分发执行器、续跑循环。
// 本地 Worker 与远端 Worker 共用。
type runner struct {
	registry *Registry
	renderer *render.Renderer
	retry    *retry.Evaluator
}

func newRunner(registry *Registry) *runner {
	renderer := render.New()
	return &runner{
		registry: registry,
		renderer: renderer,
		retry:    retry.NewEvaluator(renderer, nil),
	}
}

// execute 补渲染动作配置并分发执行。broker 侧 ModeKeep 留下的模板
// 在这里用任务上下文展开；type/retry 两个随行键不参与渲染。
func (r *runner) execute(ctx context.Context, rawAction, taskCtx map[string]any) (any, error) {
	actionType, _ := rawAction["type"].(string)
	exec := r.registry.Get(actionType)
	if exec == nil {
		return map[string]any{"error": fmt.Sprintf("no executor for action type %q", actionType), "permanent": true},
			fmt.Errorf("worker: no executor for action type %q", actionType)
	}

	action := make(map[string]any, len(rawAction))
	for k, v := range rawAction {
		if k == "type" || k == "retry" {
			action[k] = v
			continue
		}
		rendered, err := r.renderer.RenderValue(v, taskCtx, render.ModePermissive)
		if err != nil {
			return map[string]any{"error": err.Error(), "kind": "template_rendering"},
				fmt.Errorf("worker: render action %s: %w", k, err)
		}
		action[k] = rendered
	}

	policy := decodePolicy(action["retry"])
	return r.runWithContinuation(ctx, exec, action, taskCtx, policy)
}

// decodePolicy 任务动作里随行的重试策略（broker 只在存在续跑规则时附带）。
// JSON 往返还原，拿不回就当没有。
func decodePolicy(v any) *playbook.RetryPolicy {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var p playbook.RetryPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	if len(p.Rules) == 0 {
		return nil
	}
	return &p
}

// runWithContinuation 执行动作并按续跑规则循环：每次成功后用当次结果
// 求值规则，命中则把 next_call 覆盖渲染进动作再跑一轮，collect 聚合
// 各轮结果。无规则命中即收束。
func (r *runner) runWithContinuation(ctx context.Context, exec Executor, action map[string]any, taskCtx map[string]any, policy *playbook.RetryPolicy) (any, error) {
	out, err := exec.Execute(ctx, action)
	if err != nil || policy == nil {
		return out, err
	}

	var (
		collected any
		agg       *playbook.Collect
	)
	current := action
	for i := 0; i < maxContinuations; i++ {
		evalCtx := render.WithScope(taskCtx, map[string]any{"result": out})
		decision, derr := r.retry.EvaluateSuccess(policy, evalCtx)
		if derr != nil {
			return out, fmt.Errorf("worker: continuation rule: %w", derr)
		}
		// 末页往往不再命中规则；聚合器一经出现就对后续每轮结果生效
		if decision.Collect != nil {
			agg = decision.Collect
		}
		if agg != nil {
			collected = aggregate(collected, out, agg)
		}
		if len(decision.NextCall) == 0 {
			if agg != nil {
				return collected, nil
			}
			return out, nil
		}

		overlay, rerr := r.renderer.RenderMap(decision.NextCall, evalCtx, render.ModePermissive)
		if rerr != nil {
			return out, fmt.Errorf("worker: continuation render: %w", rerr)
		}
		next := make(map[string]any, len(current)+len(overlay))
		for k, v := range current {
			next[k] = v
		}
		for k, v := range overlay {
			next[k] = v
		}
		current = next

		out, err = exec.Execute(ctx, current)
		if err != nil {
			return out, err
		}
	}
	return out, fmt.Errorf("worker: continuation limit %d reached", maxContinuations)
}

// aggregate append 收列表，merge 合并顶层键；聚合对象是 data 载荷
// （http 结果取 data 字段，其余取整个结果）
func aggregate(acc any, out any, c *playbook.Collect) any {
	payload := out
	if m, ok := out.(map[string]any); ok {
		if d, exists := m["data"]; exists {
			payload = d
		}
	}
	if c.Mode == "merge" {
		merged, _ := acc.(map[string]any)
		if merged == nil {
			merged = make(map[string]any)
		}
		if m, ok := payload.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
		return merged
	}
	list, _ := acc.([]any)
	if items, ok := payload.([]any); ok {
		return append(list, items...)
	}
	return append(list, payload)
}
