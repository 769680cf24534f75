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

// Package app 进程装配：按配置创建存储与 broker，供 cmd 层复用。
package app

import (
	"context"
	"fmt"

	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/event"
	"noetl/internal/ids"
	"noetl/internal/queue"
	"noetl/pkg/config"
	"noetl/pkg/log"
	"noetl/pkg/secrets"
)

// EventStore 事件日志的三个切面在同一存储上
type EventStore interface {
	event.Log
	event.WorkloadStore
	event.ErrorLog
}

// Bootstrap 统一初始化产物：供 api 与 worker 进程复用
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	IDs     *ids.Generator
	Events  EventStore
	Queue   queue.Queue
	Catalog catalog.Store
	Secrets secrets.Store
	Broker  *broker.Broker
}

// NewBootstrap 根据配置创建全部依赖；type=postgres 的存储需要可达的 DSN
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志: %w", err)
	}

	gen, err := ids.NewGenerator(cfg.API.NodeID)
	if err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器: %w", err)
	}

	var events EventStore
	switch cfg.EventLog.Type {
	case "", "memory":
		events = event.NewMemoryLog(gen)
	case "postgres":
		events, err = event.NewPostgresLog(ctx, cfg.EventLog.DSN, gen)
		if err != nil {
			return nil, fmt.Errorf("初始化事件日志: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知事件日志类型 %q", cfg.EventLog.Type)
	}

	var q queue.Queue
	switch cfg.Queue.Type {
	case "", "memory":
		q = queue.NewMemoryQueue(gen)
	case "postgres":
		q, err = queue.NewPostgresQueue(ctx, cfg.Queue.DSN, gen)
		if err != nil {
			return nil, fmt.Errorf("初始化队列: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知队列类型 %q", cfg.Queue.Type)
	}

	var cs catalog.Store
	switch cfg.Catalog.Type {
	case "", "memory":
		cs = catalog.NewMemoryStore(gen)
	case "postgres":
		cs, err = catalog.NewPostgresStore(ctx, cfg.Catalog.DSN, gen)
		if err != nil {
			return nil, fmt.Errorf("初始化 catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知 catalog 类型 %q", cfg.Catalog.Type)
	}

	sec, err := secrets.NewStore(secrets.Config{Provider: cfg.Secrets.Provider, Config: cfg.Secrets.Options})
	if err != nil {
		return nil, fmt.Errorf("初始化 secrets: %w", err)
	}

	b := broker.New(broker.Options{
		Log:      events,
		Workload: events,
		ErrorLog: events,
		Queue:    q,
		Catalog:  cs,
		IDs:      gen,
		Logger:   logger,
	})

	return &Bootstrap{
		Config:  cfg,
		Logger:  logger,
		IDs:     gen,
		Events:  events,
		Queue:   q,
		Catalog: cs,
		Secrets: sec,
		Broker:  b,
	}, nil
}
