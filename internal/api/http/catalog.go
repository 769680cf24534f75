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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/catalog"
)

// RegisterPlaybook 注册剧本。请求体为剧本 YAML 本体，
// 或 JSON 包装 {"content": "..."}（旧客户端）
// POST /api/catalog
func (h *Handler) RegisterPlaybook(c context.Context, ctx *app.RequestContext) {
	body := ctx.Request.Body()
	if len(body) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}
	content := body
	var wrapper struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Content != "" {
		content = []byte(wrapper.Content)
	}
	entry, err := h.catalog.Register(c, content)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, entryView(entry, false))
}

// ListCatalog 全部已注册剧本版本
// GET /api/catalog
func (h *Handler) ListCatalog(c context.Context, ctx *app.RequestContext) {
	entries, err := h.catalog.List(c)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	out := make([]map[string]any, len(entries))
	for i := range entries {
		out[i] = entryView(&entries[i], false)
	}
	ctx.JSON(consts.StatusOK, map[string]any{"entries": out, "total": len(out)})
}

// LookupPlaybook 按 path（+ 可选 version）取剧本，含源文件内容
// GET /api/catalog/lookup?path=…&version=…
func (h *Handler) LookupPlaybook(c context.Context, ctx *app.RequestContext) {
	path := ctx.Query("path")
	if path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path query parameter is required"})
		return
	}
	entry, err := h.catalog.Lookup(c, path, ctx.Query("version"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, entryView(entry, true))
}

func entryView(e *catalog.Entry, withContent bool) map[string]any {
	out := map[string]any{
		"catalog_id":    e.CatalogID,
		"path":          e.Path,
		"version":       e.Version,
		"registered_at": e.RegisteredAt,
	}
	if withContent {
		out["content"] = string(e.Content)
	}
	return out
}
