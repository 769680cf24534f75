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
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/event"
)

// flexInt64 同时接受 JSON 数字与字符串形式的 64 位 ID
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

type appendEventRequest struct {
	EventID     flexInt64      `json:"event_id"`
	ExecutionID flexInt64      `json:"execution_id"`
	ParentID    flexInt64      `json:"parent_event_id"`
	Type        string         `json:"event_type"`
	LegacyType  string         `json:"type"` // event_type 的旧字段名
	Status      string         `json:"status"`
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name"`
	NodeType    string         `json:"node_type"`
	Context     map[string]any `json:"context"`
	Result      any            `json:"result"`
	Meta        map[string]any `json:"metadata"`
	CatalogID   string         `json:"catalog_id"`
}

// AppendEvent 追加一条事件并异步触发该执行的评估
// POST /api/events
func (h *Handler) AppendEvent(c context.Context, ctx *app.RequestContext) {
	var req appendEventRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	typ := req.Type
	if typ == "" {
		typ = req.LegacyType
	}
	if req.ExecutionID == 0 || typ == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution_id and event_type are required"})
		return
	}
	stored, err := h.events.Append(c, &event.Event{
		ID:          int64(req.EventID),
		ExecutionID: int64(req.ExecutionID),
		ParentID:    int64(req.ParentID),
		Type:        event.Type(typ),
		Status:      req.Status,
		NodeID:      req.NodeID,
		NodeName:    req.NodeName,
		NodeType:    req.NodeType,
		Context:     req.Context,
		Result:      req.Result,
		Meta:        req.Meta,
		CatalogID:   req.CatalogID,
	})
	if err != nil {
		h.fail(ctx, err)
		return
	}
	// 评估在请求外异步进行；事件日志是事实源，评估晚到也收敛到同一状态
	go func(id int64) {
		if err := h.broker.Evaluate(context.Background(), id); err != nil {
			h.logger.Error("async evaluate failed", "execution_id", id, "err", err)
		}
	}(stored.ExecutionID)
	ctx.JSON(consts.StatusOK, stored)
}

// ListEvents 按执行查询事件，可选按类型过滤
// GET /api/events?execution_id=…&type=…
func (h *Handler) ListEvents(c context.Context, ctx *app.RequestContext) {
	raw := ctx.Query("execution_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution_id query parameter is required"})
		return
	}
	events, err := h.events.Stream(c, id)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	if typ := ctx.Query("type"); typ != "" {
		filtered := events[:0]
		for i := range events {
			if string(events[i].Type) == typ {
				filtered = append(filtered, events[i])
			}
		}
		events = filtered
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id": raw,
		"events":       events,
		"total":        len(events),
	})
}
