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

// Package worker Worker 进程装配：经控制面 API 租任务并执行。
package worker

import (
	"context"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"noetl/internal/client"
	"noetl/internal/worker"
	"noetl/pkg/config"
	"noetl/pkg/log"
	"noetl/pkg/secrets"
	"noetl/pkg/tracing"
	"noetl/pkg/utils"
)

// App Worker 进程
type App struct {
	logger *log.Logger
	remote *worker.Remote
	tracer *sdktrace.TracerProvider
}

// NewApp 装配远端 Worker：API 客户端 + 执行器注册表
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志: %w", err)
	}

	api := client.New(utils.CoalesceString(cfg.Worker.ServerURL, "http://localhost:8082"))

	sec, err := secrets.NewStore(secrets.Config{Provider: cfg.Secrets.Provider, Config: cfg.Secrets.Options})
	if err != nil {
		return nil, fmt.Errorf("初始化 secrets: %w", err)
	}
	registry := worker.DefaultRegistry(cfg.Worker.PostgresDSN)
	registry.Register("secrets", worker.NewSecretsExecutor(sec))

	remote := worker.NewRemote(api, registry, logger, worker.RemoteConfig{
		WorkerID:      cfg.Worker.WorkerID,
		Concurrency:   cfg.Worker.MaxConcurrency,
		PollRate:      cfg.Worker.PollRate,
		LeaseDuration: time.Duration(cfg.Worker.LeaseSeconds) * time.Second,
	})
	a := &App{logger: logger, remote: remote}

	if cfg.Monitoring.Tracing && cfg.Monitoring.Endpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    "noetl-worker",
			ExportEndpoint: cfg.Monitoring.Endpoint,
			Insecure:       true,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪: %w", err)
		}
		a.tracer = tp
		logger.Info("链路追踪已启用", "endpoint", cfg.Monitoring.Endpoint)
	}
	return a, nil
}

// Start 启动租约循环
func (a *App) Start(ctx context.Context) error {
	a.remote.Start(ctx)
	a.logger.Info("worker started")
	return nil
}

// Shutdown 优雅关闭：停止租新任务，等在途任务收尾
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.remote.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	return nil
}
