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

// Package api 控制面进程装配：HTTP 服务 + 周期回收循环。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	httpapi "noetl/internal/api/http"
	"noetl/internal/api/http/middleware"
	"noetl/internal/app"
	"noetl/internal/worker"
)

// otelProviderShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App 控制面进程
type App struct {
	bootstrap    *app.Bootstrap
	server       *server.Hertz
	embedded     *worker.Worker
	otelProvider otelProviderShutdown
	stopCh       chan struct{}
}

// NewApp 装配 HTTP 服务。队列为 memory 时远端 Worker 无从共享状态，
// 进程内再挂一个嵌入式 Worker（单进程 dev 形态）。
func NewApp(b *app.Bootstrap) (*App, error) {
	if b == nil {
		return nil, fmt.Errorf("api: bootstrap is nil")
	}
	setHertzLogger(b.Config.Log.Level)
	handler := httpapi.NewHandler(b.Broker, b.Events, b.Queue, b.Catalog, b.Logger)
	router := httpapi.NewRouter(handler, middleware.NewMiddleware(b.Logger))

	var embedded *worker.Worker
	if t := b.Config.Queue.Type; t == "" || t == "memory" {
		registry := worker.DefaultRegistry("")
		registry.Register("secrets", worker.NewSecretsExecutor(b.Secrets))
		embedded = worker.New(b.Queue, b.Events, b.Broker, registry, b.Logger, worker.Config{
			Concurrency:   b.Config.Worker.MaxConcurrency,
			LeaseDuration: time.Duration(b.Config.Queue.LeaseSeconds) * time.Second,
		})
	}

	a := &App{
		bootstrap: b,
		embedded:  embedded,
		stopCh:    make(chan struct{}),
	}

	addr := fmt.Sprintf("%s:%d", b.Config.API.Host, b.Config.API.Port)
	if b.Config.Monitoring.Tracing {
		endpoint := b.Config.Monitoring.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			a.otelProvider = provider.NewOpenTelemetryProvider(
				provider.WithServiceName("noetl-api"),
				provider.WithExportEndpoint(endpoint),
				provider.WithInsecure(),
			)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.server = router.Build(addr, tracerOpt)
			a.server.Use(hertztracing.ServerMiddleware(tracerCfg))
			b.Logger.Info("链路追踪已启用", "endpoint", endpoint)
		}
	}
	if a.server == nil {
		a.server = router.Build(addr)
	}
	return a, nil
}

// setHertzLogger 把 hertz 框架日志接到 slog，与业务日志同一形态
func setHertzLogger(level string) {
	levelVar := &slog.LevelVar{}
	switch level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))
}

// Run 启动回收循环、嵌入式 Worker 与 HTTP 服务；阻塞到服务退出
func (a *App) Run() error {
	go a.reclaimLoop()
	if a.embedded != nil {
		a.embedded.Start(context.Background())
	}
	a.server.Spin()
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	close(a.stopCh)
	if a.embedded != nil {
		a.embedded.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	return a.server.Shutdown(ctx)
}

// reclaimLoop 周期回收过期租约并重新评估受影响的执行
func (a *App) reclaimLoop() {
	interval := a.bootstrap.Config.Broker.ReclaimIntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := a.bootstrap.Broker.ReclaimAndEvaluate(ctx)
			cancel()
			if err != nil {
				a.bootstrap.Logger.Error("reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				a.bootstrap.Logger.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}
