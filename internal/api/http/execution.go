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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/broker"
)

// runRequest 提交请求。定位方式三选一：catalog_id / path+version / path。
// 参数接受 args、parameters、input_payload、workload 任一字段（历史客户端兼容）
type runRequest struct {
	CatalogID    string         `json:"catalog_id"`
	Path         string         `json:"path"`
	Playbook     string         `json:"playbook"` // path 的旧字段名
	Version      string         `json:"version"`
	Args         map[string]any `json:"args"`
	Parameters   map[string]any `json:"parameters"`
	InputPayload map[string]any `json:"input_payload"`
	Workload     map[string]any `json:"workload"`
}

func (r *runRequest) workload() map[string]any {
	for _, m := range []map[string]any{r.Workload, r.Args, r.Parameters, r.InputPayload} {
		if m != nil {
			return m
		}
	}
	return nil
}

// RunExecution 提交一次执行
// POST /api/executions/run（别名 POST /api/execute）
func (h *Handler) RunExecution(c context.Context, ctx *app.RequestContext) {
	var req runRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	path := req.Path
	if path == "" {
		path = req.Playbook
	}
	res, err := h.broker.Submit(c, broker.SubmitRequest{
		CatalogID: req.CatalogID,
		Path:      path,
		Version:   req.Version,
		Workload:  req.workload(),
	})
	if err != nil {
		h.logger.Error("submit failed", "path", path, "err", err)
		h.fail(ctx, err)
		return
	}
	id := strconv.FormatInt(res.ExecutionID, 10)
	ts := res.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00")
	// 新旧字段名并存，老客户端仍可读
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id":   id,
		"id":             id,
		"status":         res.Status,
		"type":           "playbook",
		"execution_type": "playbook",
		"timestamp":      ts,
		"start_time":     ts,
		"path":           res.Path,
		"version":        res.Version,
		"catalog_id":     res.CatalogID,
	})
}

// GetExecution 查询执行状态
// GET /api/executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	id, ok := executionIDParam(ctx)
	if !ok {
		return
	}
	st, err := h.broker.Status(c, id)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, st)
}

// CancelExecution 请求取消执行
// POST /api/executions/:id/cancel
func (h *Handler) CancelExecution(c context.Context, ctx *app.RequestContext) {
	id, ok := executionIDParam(ctx)
	if !ok {
		return
	}
	if err := h.broker.Cancel(c, id); err != nil {
		h.fail(ctx, err)
		return
	}
	st, err := h.broker.Status(c, id)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, st)
}

// ListExecutionEvents 执行的完整事件流
// GET /api/executions/:id/events
func (h *Handler) ListExecutionEvents(c context.Context, ctx *app.RequestContext) {
	id, ok := executionIDParam(ctx)
	if !ok {
		return
	}
	events, err := h.events.Stream(c, id)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id": strconv.FormatInt(id, 10),
		"events":       events,
		"total":        len(events),
	})
}

func executionIDParam(ctx *app.RequestContext) (int64, bool) {
	raw := ctx.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution id must be a positive integer"})
		return 0, false
	}
	return id, true
}
