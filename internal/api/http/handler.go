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

// Package http 控制面 HTTP API：执行提交、事件追加查询、队列租约、剧本目录。
package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/event"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	broker  *broker.Broker
	events  event.Log
	queue   queue.Queue
	catalog catalog.Store
	logger  *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(b *broker.Broker, events event.Log, q queue.Queue, cs catalog.Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Handler{broker: b, events: events, queue: q, catalog: cs, logger: logger}
}

// Health 健康检查
// GET /api/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "noetl",
		"timestamp": time.Now().UTC().Unix(),
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// statusForError 领域错误到 HTTP 状态码
func statusForError(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrNotFound) || stderrors.Is(err, catalog.ErrNotFound):
		return consts.StatusNotFound
	case stderrors.Is(err, errors.ErrInvalidArg) || stderrors.Is(err, catalog.ErrMissingPath) ||
		stderrors.Is(err, playbook.ErrInvalid):
		return consts.StatusBadRequest
	case stderrors.Is(err, errors.ErrConflict) || stderrors.Is(err, queue.ErrLeaseLost) ||
		stderrors.Is(err, queue.ErrNotOwner):
		return consts.StatusConflict
	default:
		return consts.StatusInternalServerError
	}
}

func (h *Handler) fail(ctx *app.RequestContext, err error) {
	ctx.JSON(statusForError(err), map[string]string{"error": err.Error()})
}
