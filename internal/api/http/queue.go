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

package http

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/event"
	"noetl/internal/queue"
)

const defaultLeaseSeconds = 60

type leaseRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// LeaseTask worker 租用一个任务；无任务返回 task: null，不阻塞
// POST /api/queue/lease
func (h *Handler) LeaseTask(c context.Context, ctx *app.RequestContext) {
	var req leaseRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if req.WorkerID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = defaultLeaseSeconds
	}
	task, err := h.queue.Lease(c, req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"task": task})
}

// CompleteTask worker 回报成功：追加 action_completed、任务置 done、评估。
// 回报方必须仍持有租约，否则 409；对已完成任务重复调用是 no-op。
// POST /api/queue/:id/complete
func (h *Handler) CompleteTask(c context.Context, ctx *app.RequestContext) {
	task, ok := h.taskParam(c, ctx)
	if !ok {
		return
	}
	if task.Status == queue.StatusDone {
		ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
		return
	}
	var body struct {
		WorkerID string         `json:"worker_id"`
		Result   any            `json:"result"`
		Meta     map[string]any `json:"metadata"`
	}
	_ = json.Unmarshal(ctx.Request.Body(), &body)
	if body.WorkerID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	// 先验租约归属，迟到的回报（任务已被回收重派）不得落结果事件
	if task.Status != queue.StatusLeased || task.WorkerID != body.WorkerID {
		h.fail(ctx, queue.ErrNotOwner)
		return
	}
	if _, err := h.events.Append(c, &event.Event{
		ExecutionID: task.ExecutionID,
		Type:        event.ActionCompleted,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		Result:      body.Result,
		Meta:        body.Meta,
	}); err != nil {
		h.fail(ctx, err)
		return
	}
	if err := h.queue.Complete(c, task.QueueID, body.WorkerID); err != nil {
		h.fail(ctx, err)
		return
	}
	if err := h.broker.Evaluate(c, task.ExecutionID); err != nil {
		h.logger.Error("evaluate after complete failed", "execution_id", task.ExecutionID, "err", err)
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// FailTask worker 回报失败：追加 action_error 后评估，由 broker 决定重试或死亡
// POST /api/queue/:id/fail
func (h *Handler) FailTask(c context.Context, ctx *app.RequestContext) {
	task, ok := h.taskParam(c, ctx)
	if !ok {
		return
	}
	if task.Status.Terminal() {
		ctx.JSON(consts.StatusOK, map[string]string{"status": string(task.Status)})
		return
	}
	var body struct {
		Error  string         `json:"error"`
		Result any            `json:"result"`
		Meta   map[string]any `json:"metadata"`
	}
	_ = json.Unmarshal(ctx.Request.Body(), &body)
	result := body.Result
	if result == nil {
		result = map[string]any{"error": body.Error}
	}
	if _, err := h.events.Append(c, &event.Event{
		ExecutionID: task.ExecutionID,
		Type:        event.ActionError,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		Result:      result,
		Meta:        body.Meta,
	}); err != nil {
		h.fail(ctx, err)
		return
	}
	if err := h.broker.Evaluate(c, task.ExecutionID); err != nil {
		h.logger.Error("evaluate after fail failed", "execution_id", task.ExecutionID, "err", err)
	}
	updated, err := h.queue.Get(c, task.QueueID)
	if err != nil || updated == nil {
		updated = task
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": string(updated.Status)})
}

// HeartbeatTask 续约；失去所有权返回 409
// POST /api/queue/:id/heartbeat
func (h *Handler) HeartbeatTask(c context.Context, ctx *app.RequestContext) {
	task, ok := h.taskParam(c, ctx)
	if !ok {
		return
	}
	var req leaseRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil || req.WorkerID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = defaultLeaseSeconds
	}
	if err := h.queue.Heartbeat(c, task.QueueID, req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second); err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// ListQueue 运维侧队列视图：按执行列出或全局状态计数
// GET /api/queue?execution_id=…
func (h *Handler) ListQueue(c context.Context, ctx *app.RequestContext) {
	if raw := ctx.Query("execution_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid execution_id"})
			return
		}
		tasks, err := h.queue.List(c, id)
		if err != nil {
			h.fail(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
		return
	}
	counts, err := h.queue.CountByStatus(c)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"counts": counts})
}

func (h *Handler) taskParam(c context.Context, ctx *app.RequestContext) (*queue.Task, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "queue id must be a positive integer"})
		return nil, false
	}
	task, err := h.queue.Get(c, id)
	if err != nil {
		h.fail(ctx, err)
		return nil, false
	}
	if task == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "task not found"})
		return nil, false
	}
	return task, true
}
