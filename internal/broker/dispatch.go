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
	"strings"
	"time"

	"noetl/internal/event"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/pkg/errors"
	"noetl/pkg/metrics"
)

// pass 一轮评估：按优先级依次尝试各类派发，出现任何写入即返回，
// 外层重新 fold 后继续。返回 (是否有写入, 需级联评估的执行, 错误)。
func (b *Broker) pass(ctx context.Context, st *execState, pb *playbook.Playbook) (bool, []int64, error) {
	if st.cancelled {
		return b.finaliseCancelled(ctx, st)
	}
	rctx, err := b.renderContext(ctx, st)
	if err != nil {
		return false, nil, err
	}

	// 初始派发
	if start := pb.StepByName(playbook.StartStep); start != nil && !st.step(playbook.StartStep).started {
		more, err := b.dispatchStep(ctx, st, pb, start, rctx, nil)
		return true, more, err
	}
	// 失败回报 → 重试决策
	if changed, err := b.handleNodeErrors(ctx, st, pb, rctx); err != nil || changed {
		return changed, nil, err
	}
	// 迭代推进
	if changed, more, err := b.progressIterators(ctx, st, pb, rctx); err != nil || changed {
		return changed, more, err
	}
	// 动作回报 → step_completed
	if changed, err := b.completeSteps(ctx, st, pb); err != nil || changed {
		return changed, nil, err
	}
	// sink、转移、收尾
	if changed, more, err := b.afterCompletion(ctx, st, pb, rctx); err != nil || changed {
		return changed, more, err
	}
	// 失败传播
	if changed, err := b.propagateFailure(ctx, st, pb); err != nil || changed {
		return changed, nil, err
	}
	return false, nil, nil
}

// renderContext 渲染上下文：workload + 各节点最近结果
func (b *Broker) renderContext(ctx context.Context, st *execState) (map[string]any, error) {
	results, err := b.log.ResultsByNode(ctx, st.executionID)
	if err != nil {
		return nil, errors.Wrap(err, "broker: results by node")
	}
	return render.BaseContext(st.executionID, st.workload, results), nil
}

// dispatchStep 派发一个步骤。router 立即完成并递归评估 next；
// actionable 入队后等待 worker 回报。extras 为转移 args 等局部覆盖。
func (b *Broker) dispatchStep(ctx context.Context, st *execState, pb *playbook.Playbook, step *playbook.Step, rctx, extras map[string]any) ([]int64, error) {
	stp := st.step(step.Name)
	if stp.completed || stp.failed {
		return nil, nil
	}
	if extras != nil {
		rctx = render.WithScope(rctx, extras)
	}

	// end router：只记 step_completed，结果取最近完成步骤的结果
	if isEnd(step) {
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.StepCompleted,
			NodeID:      nodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			NodeType:    playbook.TypeEnd,
			Result:      st.lastResult,
		}); err != nil {
			return nil, err
		}
		stp.completed = true
		return nil, b.finaliseComplete(ctx, st, st.lastResult)
	}

	if step.Router() {
		for _, t := range []event.Type{event.StepStarted, event.StepCompleted} {
			if _, err := b.append(ctx, &event.Event{
				ExecutionID: st.executionID,
				Type:        t,
				NodeID:      nodeID(st.executionID, step.Name),
				NodeName:    step.Name,
				NodeType:    routerType(step),
			}); err != nil {
				return nil, err
			}
		}
		stp.started = true
		stp.completed = true
		_, more, err := b.ensureTransitions(ctx, st, pb, step, stp, rctx)
		return more, err
	}

	started, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.StepStarted,
		NodeID:      nodeID(st.executionID, step.Name),
		NodeName:    step.Name,
		NodeType:    step.Type,
		Context:     extras,
	})
	if err != nil {
		return nil, err
	}
	stp.started = true

	if step.Loop != nil {
		return b.dispatchIterator(ctx, st, pb, step, rctx)
	}
	if step.Type == playbook.TypePlaybook {
		return b.submitSubPlaybook(ctx, st, step, rctx, &parentRef{
			ExecutionID: st.executionID,
			Step:        step.Name,
			NodeID:      nodeID(st.executionID, step.Name),
			EventID:     started.ID,
		}, step.Config)
	}
	return nil, b.enqueueAction(ctx, st, pb, step, rctx, extras)
}

// enqueueAction 渲染输入并入队一个动作任务；渲染失败按 action_error 处理
func (b *Broker) enqueueAction(ctx context.Context, st *execState, pb *playbook.Playbook, step *playbook.Step, rctx, extras map[string]any) error {
	typ, cfg, err := resolveAction(pb, step)
	if err != nil {
		return b.renderFailed(ctx, st, nodeID(st.executionID, step.Name), step.Name, "", err)
	}
	rendered, err := b.renderAction(cfg, rctx)
	if err != nil {
		return b.renderFailed(ctx, st, nodeID(st.executionID, step.Name), step.Name, fmt.Sprintf("%v", cfg), err)
	}
	rendered["type"] = typ
	if p := continuationPolicy(step.Retry); p != nil {
		rendered["retry"] = p
	}
	_, err = b.queue.Enqueue(ctx, &queue.Task{
		ExecutionID: st.executionID,
		NodeID:      nodeID(st.executionID, step.Name),
		NodeName:    step.Name,
		CatalogID:   st.catalogID,
		Action:      rendered,
		Context:     taskContext(st.workload, extras),
		MaxAttempts: maxAttemptsFor(step),
	})
	return err
}

// renderFailed 渲染失败记诊断日志并追加 action_error，走统一失败路径
func (b *Broker) renderFailed(ctx context.Context, st *execState, node, stepName, tpl string, cause error) error {
	b.recordRenderError(ctx, st.executionID, node, tpl, nil, cause)
	_, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.ActionError,
		NodeID:      node,
		NodeName:    stepName,
		Result:      map[string]any{"error": cause.Error(), "kind": "template_rendering"},
	})
	return err
}

// handleNodeErrors 对每个有未处置 action_error 的节点做重试决策
func (b *Broker) handleNodeErrors(ctx context.Context, st *execState, pb *playbook.Playbook, rctx map[string]any) (bool, error) {
	for id, ns := range st.nodes {
		if ns.done || ns.errors == 0 || ns.errors <= ns.retries {
			continue
		}
		if strings.HasSuffix(id, "-sink") {
			continue // sink 失败在 afterCompletion 里使所属步骤失败
		}
		stepName := stepNameFromNode(st.executionID, id)
		step := pb.StepByName(stepName)
		if step == nil {
			continue
		}
		iterIdx, isIter := iterIndexFromNodeID(id)
		stp := st.step(stepName)
		if isIter {
			if _, failed := stp.iterFailed[iterIdx]; failed {
				continue
			}
		} else if stp.failed {
			continue
		}
		changed, err := b.decideRetry(ctx, st, step, id, ns, rctx, iterIdx, isIter)
		if err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

// decideRetry 单节点重试决策：retry → 队列回退 + action_retry；
// 耗尽 → dead + step_failed / iteration_failed
func (b *Broker) decideRetry(ctx context.Context, st *execState, step *playbook.Step, id string, ns *nodeState, rctx map[string]any, iterIdx int, isIter bool) (bool, error) {
	task, err := b.queue.FindByNode(ctx, st.executionID, id)
	if err != nil {
		return false, errors.Wrap(err, "broker: find task")
	}
	attempts := ns.errors
	if task != nil {
		attempts = task.Attempts
	}
	errCtx := render.WithScope(rctx, map[string]any{
		"error":   ns.lastError,
		"result":  ns.lastError,
		"attempt": attempts,
		"node_id": id,
	})
	decision, err := b.retry.EvaluateFailure(step.Retry, errCtx, attempts)
	if err != nil {
		b.logger.Error("retry evaluation failed", "node", id, "err", err)
		decision.Retry = false
	}

	if decision.Retry && task != nil {
		if err := b.queue.Retry(ctx, task.QueueID, errString(ns.lastError), decision.Delay); err != nil {
			return false, err
		}
		meta := map[string]any{
			"attempt":       attempts,
			"delay_seconds": decision.Delay.Seconds(),
		}
		if isIter {
			meta["iteration_index"] = iterIdx
		}
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.ActionRetry,
			NodeID:      id,
			NodeName:    step.Name,
			Meta:        meta,
		}); err != nil {
			return false, err
		}
		metrics.TaskRetryTotal.Inc()
		return true, nil
	}

	// 耗尽或不可重试
	if task != nil {
		if err := b.queue.Dead(ctx, task.QueueID, errString(ns.lastError)); err != nil {
			return false, err
		}
		metrics.TaskDeadTotal.Inc()
	}
	if isIter {
		_, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.IterationFailed,
			NodeID:      id,
			NodeName:    step.Name,
			Result:      ns.lastError,
			Meta:        map[string]any{"iteration_index": iterIdx},
		})
		return true, err
	}
	_, err = b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.StepFailed,
		NodeID:      id,
		NodeName:    step.Name,
		Result:      ns.lastError,
	})
	return true, err
}

// completeSteps 把动作/迭代回报落成 step_completed
func (b *Broker) completeSteps(ctx context.Context, st *execState, pb *playbook.Playbook) (bool, error) {
	for i := range pb.Workflow {
		step := &pb.Workflow[i]
		stp := st.step(step.Name)
		if !stp.started || stp.completed || stp.failed {
			continue
		}
		var result any
		switch {
		case step.Loop != nil:
			if !stp.loopCompleted {
				continue
			}
			result = stp.loopResult
		default:
			r, done := st.actionDone(step.Name)
			if !done {
				continue
			}
			result = r
		}
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.StepCompleted,
			NodeID:      nodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			NodeType:    step.Type,
			Result:      result,
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// afterCompletion 已完成步骤的后续：sink 门控、转移派发、收尾
func (b *Broker) afterCompletion(ctx context.Context, st *execState, pb *playbook.Playbook, rctx map[string]any) (bool, []int64, error) {
	for i := range pb.Workflow {
		step := &pb.Workflow[i]
		stp := st.step(step.Name)
		if !stp.completed || stp.failed || isEnd(step) {
			continue
		}
		if step.Sink != nil {
			changed, wait, err := b.ensureSink(ctx, st, step, stp, rctx)
			if err != nil || changed {
				return changed, nil, err
			}
			if wait {
				continue
			}
		}
		changed, more, err := b.ensureTransitions(ctx, st, pb, step, stp, rctx)
		if err != nil || changed {
			return changed, more, err
		}
	}
	return false, nil, nil
}

// ensureSink sink 的三态推进：未起 → 入队 save_started；
// 回报成功 → save_completed；回报失败 → save_failed + step_failed。
// 返回 (changed, 是否仍需等待, err)
func (b *Broker) ensureSink(ctx context.Context, st *execState, step *playbook.Step, stp *stepState, rctx map[string]any) (bool, bool, error) {
	switch {
	case stp.sinkActionFailed && !stp.saveFailed:
		for _, t := range []event.Type{event.SaveFailed, event.StepFailed} {
			if _, err := b.append(ctx, &event.Event{
				ExecutionID: st.executionID,
				Type:        t,
				NodeID:      sinkNodeID(st.executionID, step.Name),
				NodeName:    step.Name,
			}); err != nil {
				return false, false, err
			}
		}
		return true, false, nil
	case stp.sinkActionDone && !stp.saveCompleted:
		_, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.SaveCompleted,
			NodeID:      sinkNodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			Result:      stp.saveResult,
		})
		return err == nil, false, err
	case !stp.saveStarted:
		sinkCtx := render.WithScope(rctx, map[string]any{"result": event.UnwrapResult(stp.result)})
		rendered, err := b.renderAction(step.Sink.Config, sinkCtx)
		if err != nil {
			return true, false, b.renderFailed(ctx, st, sinkNodeID(st.executionID, step.Name), step.Name, "", err)
		}
		rendered["type"] = step.Sink.Type
		if _, err := b.queue.Enqueue(ctx, &queue.Task{
			ExecutionID: st.executionID,
			NodeID:      sinkNodeID(st.executionID, step.Name),
			NodeName:    step.Name,
			CatalogID:   st.catalogID,
			Action:      rendered,
			Context:     taskContext(st.workload, nil),
			MaxAttempts: 1,
		}); err != nil {
			return false, false, err
		}
		if _, err := b.append(ctx, &event.Event{
			ExecutionID: st.executionID,
			Type:        event.SaveStarted,
			NodeID:      sinkNodeID(st.executionID, step.Name),
			NodeName:    step.Name,
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	case !stp.saveCompleted:
		return false, true, nil // sink 在途，等 worker 回报
	}
	return false, false, nil
}

// ensureTransitions 评估 next 并派发未启动的后继；无后继则收尾
func (b *Broker) ensureTransitions(ctx context.Context, st *execState, pb *playbook.Playbook, step *playbook.Step, stp *stepState, rctx map[string]any) (bool, []int64, error) {
	targets, err := b.evalTransitions(st, step, stp.result, rctx)
	if err != nil {
		return false, nil, err
	}
	if len(targets) == 0 {
		if st.terminal() {
			return false, nil, nil
		}
		return true, nil, b.finaliseComplete(ctx, st, stp.result)
	}
	var followups []int64
	changed := false
	for _, t := range targets {
		next := pb.StepByName(t.Step)
		if next == nil {
			continue // Validate 已保证存在
		}
		ns := st.step(t.Step)
		if ns.started || ns.completed || ns.failed {
			continue
		}
		args, err := b.renderer.RenderMap(t.Args, rctx, render.ModeKeep)
		if err != nil {
			return false, nil, err
		}
		more, err := b.dispatchStep(ctx, st, pb, next, rctx, args)
		if err != nil {
			return false, nil, err
		}
		followups = append(followups, more...)
		changed = true
	}
	return changed, followups, nil
}

// evalTransitions 按序评估 next：无 when 的无条件取用；when 真值取用；
// else 在此前所有 when 均未命中时取用。多条命中即扇出。
func (b *Broker) evalTransitions(st *execState, step *playbook.Step, result any, rctx map[string]any) ([]playbook.Target, error) {
	rctx = render.WithScope(rctx, map[string]any{
		step.Name: event.UnwrapResult(result),
		"result":  event.UnwrapResult(result),
	})
	var targets []playbook.Target
	whenMatched := false
	for i := range step.Next {
		tr := &step.Next[i]
		if tr.IsElse() {
			if !whenMatched {
				targets = append(targets, tr.Else...)
			}
			continue
		}
		if tr.When == "" {
			targets = append(targets, tr.Targets()...)
			continue
		}
		v, err := b.renderer.RenderValue(tr.When, rctx, render.ModePermissive)
		if err != nil {
			return nil, errors.Wrapf(err, "broker: transition when %q", tr.When)
		}
		if render.Truthy(v) {
			targets = append(targets, tr.Targets()...)
			whenMatched = true
		}
	}
	return targets, nil
}

// propagateFailure step_failed 且执行未终态 → execution_failed
func (b *Broker) propagateFailure(ctx context.Context, st *execState, pb *playbook.Playbook) (bool, error) {
	if st.terminal() {
		return false, nil
	}
	for name, stp := range st.steps {
		if !stp.failed {
			continue
		}
		var result any
		if n, ok := st.nodes[nodeID(st.executionID, name)]; ok && n.lastError != nil {
			result = n.lastError
		}
		return true, b.finaliseFailed(ctx, st, result)
	}
	return false, nil
}

func (b *Broker) finaliseComplete(ctx context.Context, st *execState, result any) error {
	if st.terminal() {
		return nil
	}
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.ExecutionComplete,
		Status:      event.StatusCompleted,
		Result:      result,
	}); err != nil {
		return err
	}
	st.completed = true
	st.finalStatus = event.StatusCompleted
	st.finalResult = result
	metrics.ExecutionTotal.WithLabelValues("completed").Inc()
	if !st.startTime.IsZero() {
		metrics.ExecutionDuration.Observe(time.Since(st.startTime).Seconds())
	}
	return nil
}

func (b *Broker) finaliseFailed(ctx context.Context, st *execState, result any) error {
	if st.terminal() {
		return nil
	}
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.ExecutionFailed,
		Status:      event.StatusFailed,
		Result:      result,
	}); err != nil {
		return err
	}
	st.failed = true
	st.finalStatus = event.StatusFailed
	st.finalResult = result
	metrics.ExecutionTotal.WithLabelValues("failed").Inc()
	return nil
}

// finaliseCancelled 取消：未领取的任务置 dead；在途任务 drain 完后
// 才追加 CANCELLED 终态
func (b *Broker) finaliseCancelled(ctx context.Context, st *execState) (bool, []int64, error) {
	tasks, err := b.queue.List(ctx, st.executionID)
	if err != nil {
		return false, nil, err
	}
	leased := false
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case queue.StatusQueued, queue.StatusRetry:
			if err := b.queue.Dead(ctx, t.QueueID, "execution cancelled"); err != nil {
				return false, nil, err
			}
		case queue.StatusLeased:
			leased = true
		}
	}
	if leased {
		// 在途任务回报或租约回收会触发下一轮评估
		return false, nil, nil
	}
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: st.executionID,
		Type:        event.ExecutionFailed,
		Status:      event.StatusCancelled,
	}); err != nil {
		return false, nil, err
	}
	st.failed = true
	st.finalStatus = event.StatusCancelled
	metrics.ExecutionTotal.WithLabelValues("cancelled").Inc()
	more, err := b.postToParent(ctx, st)
	return true, more, err
}

// postToParent 子执行终态回报父执行；以 child_execution_id 幂等
func (b *Broker) postToParent(ctx context.Context, st *execState) ([]int64, error) {
	if st.parent == nil {
		return nil, nil
	}
	parentEvents, err := b.log.Stream(ctx, st.parent.ExecutionID)
	if err != nil {
		return nil, err
	}
	parentState := foldEvents(st.parent.ExecutionID, parentEvents)
	if parentState.childPosted[st.executionID] {
		return nil, nil
	}
	typ := event.ActionCompleted
	if st.failed {
		typ = event.ActionError
	}
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: st.parent.ExecutionID,
		ParentID:    st.parent.EventID,
		Type:        typ,
		NodeID:      st.parent.NodeID,
		NodeName:    st.parent.Step,
		Result:      st.finalResult,
		Meta: map[string]any{
			"child_execution_id": st.executionID,
			"iteration_index":    st.parent.Index,
		},
	}); err != nil {
		return nil, err
	}
	return []int64{st.parent.ExecutionID}, nil
}

// renderAction 动作配置渲染：work 块宽松（未定义变量置空），其余按 keep
// （未定义变量原样留给 worker 二次渲染）
func (b *Broker) renderAction(cfg, rctx map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		mode := render.ModeKeep
		if k == "work" {
			mode = render.ModePermissive
		}
		rendered, err := b.renderer.RenderValue(v, rctx, mode)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// resolveAction workbook 引用展开为真实类型与配置
func resolveAction(pb *playbook.Playbook, step *playbook.Step) (string, map[string]any, error) {
	if step.Type != playbook.TypeWorkbook {
		return step.Type, step.Config, nil
	}
	name, _ := step.Config["name"].(string)
	act := pb.ActionByName(name)
	if act == nil {
		return "", nil, fmt.Errorf("broker: workbook action %q not found", name)
	}
	merged := make(map[string]any, len(act.Config)+len(step.Config))
	for k, v := range act.Config {
		merged[k] = v
	}
	for k, v := range step.Config {
		if k == "name" {
			continue
		}
		merged[k] = v
	}
	return act.Type, merged, nil
}

// taskContext worker 端二次渲染所需的上下文快照
func taskContext(workload, extras map[string]any) map[string]any {
	out := map[string]any{"workload": workload}
	for k, v := range extras {
		out[k] = v
	}
	return out
}

// continuationPolicy 含成功路径续跑规则的策略随任务下发；分页循环在 worker 端
func continuationPolicy(p *playbook.RetryPolicy) *playbook.RetryPolicy {
	if p == nil {
		return nil
	}
	for i := range p.Rules {
		if p.Rules[i].Then.Continuation() {
			return p
		}
	}
	return nil
}

func maxAttemptsFor(step *playbook.Step) int {
	if step.Retry == nil {
		return 1
	}
	return step.Retry.Normalized().MaxAttempts
}

func isEnd(step *playbook.Step) bool {
	return (step.Name == playbook.EndStep || step.Type == playbook.TypeEnd) && !step.Actionable()
}

func routerType(step *playbook.Step) string {
	if step.Type != "" {
		return step.Type
	}
	if step.Name == playbook.StartStep {
		return playbook.TypeStart
	}
	return playbook.TypeRoute
}

// stepNameFromNode 从节点 ID 还原步骤名
func stepNameFromNode(executionID int64, id string) string {
	name := strings.TrimPrefix(id, fmt.Sprintf("%d-", executionID))
	name = strings.TrimSuffix(name, "-sink")
	if i := strings.LastIndex(name, "-iter-"); i >= 0 {
		name = name[:i]
	}
	return name
}

func errString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
