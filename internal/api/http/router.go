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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"noetl/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	if mw == nil {
		mw = middleware.NewMiddleware(nil)
	}
	return &Router{handler: handler, middleware: mw}
}

// Build 构建 hertz server 并挂载全部路由；extra 供装配层注入 tracer 等选项
func (r *Router) Build(addr string, extra ...config.Option) *server.Hertz {
	opts := append([]config.Option{server.WithHostPorts(addr)}, extra...)
	s := server.Default(opts...)
	s.Use(r.middleware.CORS(), r.middleware.AccessLog())

	s.GET("/metrics", r.handler.Metrics)

	api := s.Group("/api")
	api.GET("/health", r.handler.Health)

	// 提交；/execute 为语义别名
	api.POST("/executions/run", r.handler.RunExecution)
	api.POST("/execute", r.handler.RunExecution)
	api.GET("/executions/:id", r.handler.GetExecution)
	api.POST("/executions/:id/cancel", r.handler.CancelExecution)
	api.GET("/executions/:id/events", r.handler.ListExecutionEvents)

	api.POST("/events", r.handler.AppendEvent)
	api.GET("/events", r.handler.ListEvents)

	q := api.Group("/queue")
	q.POST("/lease", r.handler.LeaseTask)
	q.POST("/:id/complete", r.handler.CompleteTask)
	q.POST("/:id/fail", r.handler.FailTask)
	q.POST("/:id/heartbeat", r.handler.HeartbeatTask)
	q.GET("", r.handler.ListQueue)

	api.POST("/catalog", r.handler.RegisterPlaybook)
	api.GET("/catalog", r.handler.ListCatalog)
	api.GET("/catalog/lookup", r.handler.LookupPlaybook)

	return s
}
