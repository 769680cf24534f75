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
	"strconv"
	"sync"
	"time"

	"noetl/internal/event"
	"noetl/internal/queue"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
	"noetl/pkg/tracing"
)

// Evaluator 任务回报后触发 broker 评估；由应用层注入
type Evaluator interface {
	Evaluate(ctx context.Context, executionID int64) error
}

// Config Worker 运行参数
type Config struct {
	WorkerID      string        // 空则按启动时间生成
	Concurrency   int           // 并发执行上限，<=0 表示 1
	PollInterval  time.Duration // 队列空时的轮询间隔
	LeaseDuration time.Duration // 租约时长；心跳间隔为其 1/3
}

// Worker 租队列任务、执行动作、回报结果事件并触发评估
type Worker struct {
	queue  queue.Queue
	events event.Log
	eval   Evaluator
	run    *runner
	cfg    Config
	logger *log.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter chan struct{} // 信号量，限制并发
}

// New 创建 Worker；registry 为 nil 时装默认执行器集
func New(q queue.Queue, events event.Log, eval Evaluator, registry *Registry, logger *log.Logger, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
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
	return &Worker{
		queue:   q,
		events:  events,
		eval:    eval,
		run:     newRunner(registry),
		cfg:     cfg,
		logger:  logger.With("worker_id", cfg.WorkerID),
		stopCh:  make(chan struct{}),
		limiter: make(chan struct{}, cfg.Concurrency),
	}
}

// DefaultRegistry http/postgres/secrets 可用，python/duckdb 显式拒绝
func DefaultRegistry(postgresDSN string) *Registry {
	r := NewRegistry()
	r.Register("http", NewHTTPExecutor())
	r.Register("postgres", NewPostgresExecutor(postgresDSN))
	r.Register("python", unsupported("python"))
	r.Register("duckdb", unsupported("duckdb"))
	return r
}

// Start 启动租约循环：占槽位 → Lease → 起 goroutine 执行，队列空则睡一轮
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case w.limiter <- struct{}{}:
				task, err := w.queue.Lease(ctx, w.cfg.WorkerID, w.cfg.LeaseDuration)
				if err != nil {
					w.logger.Error("lease failed", "error", err)
				}
				if task == nil {
					metrics.TaskLeaseTotal.WithLabelValues("false").Inc()
					<-w.limiter
					select {
					case <-w.stopCh:
						return
					case <-ctx.Done():
						return
					case <-time.After(w.cfg.PollInterval):
					}
					continue
				}
				metrics.TaskLeaseTotal.WithLabelValues("true").Inc()
				w.wg.Add(1)
				go func(t *queue.Task) {
					defer w.wg.Done()
					defer func() { <-w.limiter }()
					w.RunTask(context.Background(), t)
				}(task)
			}
		}
	}()
}

// Stop 优雅退出：停止租新任务，等在途任务收尾
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// RunTask 执行单个已租任务：补渲染 → 执行（含续跑）→ 回报事件 → 评估。
// 心跳协程维持租约，丢租约即取消执行。
func (w *Worker) RunTask(ctx context.Context, task *queue.Task) {
	metrics.WorkerBusy.WithLabelValues(w.cfg.WorkerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(w.cfg.WorkerID).Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := w.startHeartbeat(ctx, task, cancel)
	defer stopHeartbeat()

	actionType, _ := task.Action["type"].(string)
	logger := w.logger.With("execution_id", task.ExecutionID, "node_id", task.NodeID, "action", actionType)

	ctx, span := tracing.StartTaskSpan(ctx, task.ExecutionID, task.NodeID, actionType)
	defer span.End()

	if _, err := w.events.Append(ctx, &event.Event{
		ExecutionID: task.ExecutionID,
		Type:        event.ActionStarted,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		NodeType:    actionType,
		Meta:        map[string]any{"worker_id": w.cfg.WorkerID, "attempt": task.Attempts},
	}); err != nil {
		logger.Error("append action_started failed", "error", err)
		return
	}

	started := time.Now()
	out, err := w.run.execute(ctx, task.Action, task.Context)
	metrics.TaskDuration.WithLabelValues(actionType).Observe(time.Since(started).Seconds())

	if err != nil {
		logger.Warn("action failed", "error", err, "attempt", task.Attempts)
		w.reportFailure(ctx, task, out, err)
		return
	}
	logger.Info("action completed", "attempt", task.Attempts, "elapsed", time.Since(started).Seconds())
	w.reportSuccess(ctx, task, out)
}

// reportSuccess action_completed + Complete + 评估
func (w *Worker) reportSuccess(ctx context.Context, task *queue.Task, out any) {
	if _, err := w.events.Append(ctx, &event.Event{
		ExecutionID: task.ExecutionID,
		Type:        event.ActionCompleted,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		Result:      map[string]any{"status": "ok", "data": out},
		Meta:        map[string]any{"worker_id": w.cfg.WorkerID, "attempt": task.Attempts},
	}); err != nil {
		// 落事件失败则不 Complete，租约过期后任务回收重跑
		w.logger.Error("append action_completed failed", "error", err, "queue_id", task.QueueID)
		return
	}
	if err := w.queue.Complete(ctx, task.QueueID, w.cfg.WorkerID); err != nil {
		w.logger.Error("complete task failed", "error", err, "queue_id", task.QueueID)
	}
	w.evaluate(task.ExecutionID)
}

// reportFailure action_error 后交由 broker 决定重试或落死信。
// 任务留在 leased，broker 走 queue.Retry/Dead 改状态。
func (w *Worker) reportFailure(ctx context.Context, task *queue.Task, out any, execErr error) {
	result, ok := out.(map[string]any)
	if !ok || result == nil {
		result = map[string]any{"error": execErr.Error()}
	} else if _, has := result["error"]; !has {
		result["error"] = execErr.Error()
	}
	if _, err := w.events.Append(ctx, &event.Event{
		ExecutionID: task.ExecutionID,
		Type:        event.ActionError,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		Result:      result,
		Meta:        map[string]any{"worker_id": w.cfg.WorkerID, "attempt": task.Attempts},
	}); err != nil {
		w.logger.Error("append action_error failed", "error", err, "queue_id", task.QueueID)
		return
	}
	w.evaluate(task.ExecutionID)
}

func (w *Worker) evaluate(executionID int64) {
	if w.eval == nil {
		return
	}
	if err := w.eval.Evaluate(context.Background(), executionID); err != nil {
		w.logger.Error("evaluate failed", "error", err, "execution_id", executionID)
	}
}

// startHeartbeat 按租约 1/3 周期续约；ErrLeaseLost 时取消任务执行
func (w *Worker) startHeartbeat(ctx context.Context, task *queue.Task, cancel context.CancelFunc) func() {
	interval := w.cfg.LeaseDuration / 3
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
				err := w.queue.Heartbeat(ctx, task.QueueID, w.cfg.WorkerID, w.cfg.LeaseDuration)
				if errors.Is(err, queue.ErrLeaseLost) {
					w.logger.Warn("lease lost", "queue_id", task.QueueID)
					cancel()
					return
				}
				if err != nil {
					w.logger.Error("heartbeat failed", "error", err, "queue_id", task.QueueID)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
