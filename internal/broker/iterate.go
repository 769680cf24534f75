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

package broker

import (
	"context"
	"fmt"

	"noetl/internal/event"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/internal/render"
)

// dispatchIterator 迭代步骤首次派发：iterator_started → 渲染集合 →
// loop_started（metadata 固化元素列表）→ 启动子单元。
// 空集合立即 loop_completed（空 results）。
func (b *Broker) dispatchIterator(ctx context.Context, st *execState, pb *playbook.Playbook, step *playbook.Step, rctx map[string]any) ([]int64, error) {
	stp := st.step(step.Name)
	if !stp.iteratorStarted {
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.IteratorStarted,
			NodeID:      nodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			NodeType:    step.Type,
		}); err != nil {
			return nil, err
		}
		stp.iteratorStarted = true
	}

	if !stp.loopStarted {
		items, err := b.renderCollection(step.Loop.In, rctx)
		if err != nil {
			return nil, b.renderFailed(ctx, st, nodeID(st.executionID, step.Name), step.Name, step.Loop.In, err)
		}
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.LoopStarted,
			NodeID:      nodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			Meta:        map[string]any{"expected": len(items), "items": items},
		}); err != nil {
			return nil, err
		}
		stp.loopStarted = true
		stp.loopItems = items
		stp.loopExpected = len(items)
	}

	if stp.loopExpected == 0 {
		if stp.loopCompleted {
			return nil, nil
		}
		_, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.LoopCompleted,
			NodeID:      nodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			Result:      map[string]any{"results": []any{}},
		})
		return nil, err
	}

	if step.Loop.Sequential() {
		return b.startChild(ctx, st, pb, step, rctx, 0)
	}
	var followups []int64
	for i := 0; i < stp.loopExpected; i++ {
		more, err := b.startChild(ctx, st, pb, step, rctx, i)
		if err != nil {
			return nil, err
		}
		followups = append(followups, more...)
	}
	return followups, nil
}

// renderCollection 渲染集合表达式，未定义变量按错误处理
func (b *Broker) renderCollection(expr string, rctx map[string]any) ([]any, error) {
	v, err := b.renderer.RenderValue(expr, rctx, render.ModeStrict)
	if err != nil {
		return nil, err
	}
	switch items := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return items, nil
	default:
		return nil, fmt.Errorf("broker: iterator collection %q is %T, want list", expr, v)
	}
}

// startChild 启动第 index 个迭代子单元：iteration_started 后，inline 入队，
// sub-playbook 提交子执行。以 iteration_started 幂等。
func (b *Broker) startChild(ctx context.Context, st *execState, pb *playbook.Playbook, step *playbook.Step, rctx map[string]any, index int) ([]int64, error) {
	stp := st.step(step.Name)
	if stp.iterStarted[index] {
		return nil, nil
	}
	if index >= len(stp.loopItems) {
		return nil, fmt.Errorf("broker: iteration %d out of range for %s", index, step.Name)
	}
	element := stp.loopItems[index]
	started, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.IterationStarted,
		NodeID:      iterNodeID(st.executionID, step.Name, index),
		NodeName:    step.Name,
		Meta:        map[string]any{"iteration_index": index, "element": element},
	})
	if err != nil {
		return nil, err
	}
	stp.iterStarted[index] = true
	stp.iterStartedID[index] = started.ID

	extras := map[string]any{
		"this":  map[string]any{"index": index, "element": element},
		"_loop": map[string]any{"index": index, "count": stp.loopExpected},
	}
	if step.Loop.Iterator != "" {
		extras[step.Loop.Iterator] = element
	}
	iterCtx := render.WithScope(rctx, extras)

	if step.Type == playbook.TypePlaybook {
		return b.submitSubPlaybook(ctx, st, step, iterCtx, &parentRef{
			ExecutionID: st.executionID,
			Step:        step.Name,
			NodeID:      iterNodeID(st.executionID, step.Name, index),
			EventID:     started.ID,
			Index:       index,
		}, step.Config)
	}

	typ, cfg, err := resolveIterAction(pb, step)
	if err != nil {
		return nil, b.renderFailed(ctx, st, iterNodeID(st.executionID, step.Name, index), step.Name, "", err)
	}
	rendered, err := b.renderAction(cfg, iterCtx)
	if err != nil {
		return nil, b.renderFailed(ctx, st, iterNodeID(st.executionID, step.Name, index), step.Name, "", err)
	}
	rendered["type"] = typ
	if p := continuationPolicy(step.Retry); p != nil {
		rendered["retry"] = p
	}
	_, err = b.queue.Enqueue(ctx, &queue.Task{
		ExecutionID: st.executionID,
		NodeID:      iterNodeID(st.executionID, step.Name, index),
		NodeName:    step.Name,
		CatalogID:   st.catalogID,
		Action:      rendered,
		Context:     taskContext(st.workload, extras),
		MaxAttempts: maxAttemptsFor(step),
	})
	return nil, err
}

// submitSubPlaybook 提交子执行；path/version/payload 来自步骤配置
func (b *Broker) submitSubPlaybook(ctx context.Context, st *execState, step *playbook.Step, rctx map[string]any, parent *parentRef, cfg map[string]any) ([]int64, error) {
	rendered, err := b.renderAction(cfg, rctx)
	if err != nil {
		return nil, b.renderFailed(ctx, st, parent.NodeID, step.Name, "", err)
	}
	path, _ := rendered["path"].(string)
	version, _ := rendered["version"].(string)
	var workload map[string]any
	for _, key := range []string{"payload", "args", "input_payload"} {
		if m, ok := rendered[key].(map[string]any); ok {
			workload = m
			break
		}
	}
	res, err := b.submit(ctx, SubmitRequest{
		Path:     path,
		Version:  version,
		Workload: workload,
		parent:   parent,
	})
	if err != nil {
		// 剧本缺失等同子单元失败，走统一失败路径
		_, aerr := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			ParentID:    parent.EventID,
			Type:        event.ActionError,
			NodeID:      parent.NodeID,
			NodeName:    step.Name,
			Result:      map[string]any{"error": err.Error()},
		})
		return nil, aerr
	}
	return []int64{res.ExecutionID}, nil
}

// progressIterators 推进进行中的迭代：落 iteration_completed、
// 顺序模式启动下一个、全部回报后聚合 loop_completed
func (b *Broker) progressIterators(ctx context.Context, st *execState, pb *playbook.Playbook, rctx map[string]any) (bool, []int64, error) {
	for i := range pb.Workflow {
		step := &pb.Workflow[i]
		if step.Loop == nil {
			continue
		}
		stp := st.step(step.Name)
		if !stp.started || stp.completed || stp.failed || stp.loopCompleted {
			continue
		}
		if !stp.loopStarted {
			more, err := b.dispatchIterator(ctx, st, pb, step, rctx)
			return true, more, err
		}

		// 子单元回报 → iteration_completed
		for idx := range stp.iterStarted {
			if _, ok := stp.iterCompleted[idx]; ok {
				continue
			}
			if _, ok := stp.iterFailed[idx]; ok {
				continue
			}
			result, done := st.childResult(step.Name, idx)
			if !done {
				continue
			}
			if _, err := b.append(ctx, &event.Event{
				ExecutionID: st.executionID,
				Type:        event.IterationCompleted,
				NodeID:      iterNodeID(st.executionID, step.Name, idx),
				NodeName:    step.Name,
				Result:      result,
				Meta:        map[string]any{"iteration_index": idx},
			}); err != nil {
				return false, nil, err
			}
			return true, nil, nil
		}

		resolved := len(stp.iterCompleted) + len(stp.iterFailed)

		// 顺序模式：前序全部落定才起下一个
		if step.Loop.Sequential() && len(stp.iterStarted) < stp.loopExpected && resolved == len(stp.iterStarted) {
			more, err := b.startChild(ctx, st, pb, step, rctx, len(stp.iterStarted))
			return true, more, err
		}

		// 聚合
		if resolved == stp.loopExpected {
			if len(stp.iterFailed) > 0 && !step.Loop.ContinueOnError() {
				_, err := b.append(ctx, &event.Event{
					ExecutionID: st.executionID,
					Type:        event.StepFailed,
					NodeID:      nodeID(st.executionID, step.Name),
					NodeName:    step.Name,
					Result:      firstIterError(stp),
				})
				return true, nil, err
			}
			results := make([]any, 0, len(stp.iterCompleted))
			for idx := 0; idx < stp.loopExpected; idx++ {
				if r, ok := stp.iterCompleted[idx]; ok {
					results = append(results, event.UnwrapResult(r))
				}
			}
			var meta map[string]any
			if len(stp.iterFailed) > 0 {
				meta = map[string]any{
					"count":     stp.loopExpected,
					"completed": len(stp.iterCompleted),
					"failed":    len(stp.iterFailed),
				}
			}
			// 聚合结果挂在 results 键下，后续步骤以 {{ 步骤名.results }} 引用
			_, err := b.append(ctx, &event.Event{
				ExecutionID: st.executionID,
				Type:        event.LoopCompleted,
				NodeID:      nodeID(st.executionID, step.Name),
				NodeName:    step.Name,
				Result:      map[string]any{"results": results},
				Meta:        meta,
			})
			return true, nil, err
		}
	}
	return false, nil, nil
}

// resolveIterAction iterator 类型的子动作在 config.task 下，其余类型同主动作
func resolveIterAction(pb *playbook.Playbook, step *playbook.Step) (string, map[string]any, error) {
	if step.Type != playbook.TypeIterator {
		return resolveAction(pb, step)
	}
	task, _ := step.Config["task"].(map[string]any)
	if task == nil {
		return "", nil, fmt.Errorf("broker: iterator %s missing task", step.Name)
	}
	typ, _ := task["type"].(string)
	cfg := make(map[string]any, len(task))
	for k, v := range task {
		if k == "type" {
			continue
		}
		cfg[k] = v
	}
	return typ, cfg, nil
}

func firstIterError(stp *stepState) any {
	for idx := 0; idx < stp.loopExpected; idx++ {
		if v, ok := stp.iterFailed[idx]; ok {
			return v
		}
	}
	return nil
}
