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

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"noetl/internal/client"
	"noetl/internal/event"
	"noetl/internal/queue"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
	"noetl/pkg/tracing"
)

// RemoteConfig 远端 Worker 配置；通过 HTTP API 租任务与回报
type RemoteConfig struct {
	WorkerID      string
	Concurrency   int
	PollRate      float64 // 每秒 lease 轮询上限，<=0 表示 10
	LeaseDuration time.Duration
}

// Remote 远端 Worker：不直连存储，全部经控制面 API。
// 执行核心与本地 Worker 共用。
type Remote struct {
	api    *client.Client
	run    *runner
	cfg    RemoteConfig
	logger *log.Logger

	pacer   *rate.Limiter
	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter chan struct{}
}

// NewRemote 创建远端 Worker
func NewRemote(api *client.Client, registry *Registry, logger *log.Logger, cfg RemoteConfig) *Remote {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + time.Now().UTC().Format("20060102150405")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 10
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if registry == nil {
		registry = DefaultRegistry("")
	}
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Remote{
		api:     api,
		run:     newRunner(registry),
		cfg:     cfg,
		logger:  logger.With("worker_id", cfg.WorkerID),
		pacer:   rate.NewLimiter(rate.Limit(cfg.PollRate), 1),
		stopCh:  make(chan struct{}),
		limiter: make(chan struct{}, cfg.Concurrency),
	}
}

// Start 启动租约循环；轮询频率受 PollRate 限制
func (r *Remote) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case r.limiter <- struct{}{}:
				if err := r.pacer.Wait(ctx); err != nil {
					<-r.limiter
					return
				}
				task, err := r.api.Lease(ctx, r.cfg.WorkerID, int(r.cfg.LeaseDuration/time.Second))
				if err != nil {
					r.logger.Error("lease failed", "error", err)
				}
				if task == nil {
					metrics.TaskLeaseTotal.WithLabelValues("false").Inc()
					<-r.limiter
					continue
				}
				metrics.TaskLeaseTotal.WithLabelValues("true").Inc()
				r.wg.Add(1)
				go func(t *queue.Task) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					r.RunTask(context.Background(), t)
				}(task)
			}
		}
	}()
}

// Stop 优雅退出
func (r *Remote) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// RunTask 执行单个已租任务并经 API 回报
func (r *Remote) RunTask(ctx context.Context, task *queue.Task) {
	metrics.WorkerBusy.WithLabelValues(r.cfg.WorkerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.cfg.WorkerID).Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := r.startHeartbeat(ctx, task, cancel)
	defer stopHeartbeat()

	actionType, _ := task.Action["type"].(string)
	logger := r.logger.With("execution_id", task.ExecutionID, "node_id", task.NodeID, "action", actionType)
	meta := map[string]any{"worker_id": r.cfg.WorkerID, "attempt": task.Attempts}

	ctx, span := tracing.StartTaskSpan(ctx, task.ExecutionID, task.NodeID, actionType)
	defer span.End()

	if err := r.api.AppendEvent(ctx, client.EventRequest{
		ExecutionID: task.ExecutionID,
		Type:        string(event.ActionStarted),
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		NodeType:    actionType,
		Meta:        meta,
	}); err != nil {
		// 起始事件落不下就不执行，租约过期后任务回收重跑
		logger.Error("append action_started failed", "error", err)
		return
	}

	started := time.Now()
	out, err := r.run.execute(ctx, task.Action, task.Context)
	metrics.TaskDuration.WithLabelValues(actionType).Observe(time.Since(started).Seconds())

	if err != nil {
		logger.Warn("action failed", "error", err, "attempt", task.Attempts)
		result, _ := out.(map[string]any)
		if ferr := r.api.Fail(ctx, task.QueueID, err.Error(), result, meta); ferr != nil {
			logger.Error("report failure failed", "error", ferr, "queue_id", task.QueueID)
		}
		return
	}
	logger.Info("action completed", "attempt", task.Attempts, "elapsed", time.Since(started).Seconds())
	result := map[string]any{"status": "ok", "data": out}
	if cerr := r.api.Complete(ctx, task.QueueID, r.cfg.WorkerID, result, meta); cerr != nil {
		// 回报失败不标完成，租约过期后任务回收重跑
		logger.Error("report completion failed", "error", cerr, "queue_id", task.QueueID)
	}
}

func (r *Remote) startHeartbeat(ctx context.Context, task *queue.Task, cancel context.CancelFunc) func() {
	interval := r.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.api.Heartbeat(ctx, task.QueueID, r.cfg.WorkerID, int(r.cfg.LeaseDuration/time.Second))
				if errors.Is(err, queue.ErrLeaseLost) {
					r.logger.Warn("lease lost", "queue_id", task.QueueID)
					cancel()
					return
				}
				if err != nil {
					r.logger.Error("heartbeat failed", "error", err, "queue_id", task.QueueID)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
