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

// Package broker 编排核心：把事件流折叠成状态，决定下一步入队什么。
// broker 无状态，同一执行可重入评估，所有写操作幂等。
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"noetl/internal/catalog"
	"noetl/internal/event"
	"noetl/internal/ids"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/internal/retry"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
	"noetl/pkg/tracing"
)

// 单次 Evaluate 的定点迭代上限；链式 router 每层消耗一轮
const maxPasses = 64

// Broker 事件驱动的编排器
type Broker struct {
	log      event.Log
	loads    event.WorkloadStore
	errs     event.ErrorLog
	queue    queue.Queue
	catalog  catalog.Store
	renderer *render.Renderer
	retry    *retry.Evaluator
	gen      *ids.Generator
	logger   *log.Logger

	locks keyedLocks

	cacheMu sync.RWMutex
	cache   map[string]*playbook.Playbook // catalog_id → 解析后的剧本
}

// Options Broker 依赖；Log/Queue/Catalog 必填，其余有默认
type Options struct {
	Log      event.Log
	Workload event.WorkloadStore
	ErrorLog event.ErrorLog
	Queue    queue.Queue
	Catalog  catalog.Store
	Renderer *render.Renderer
	Retry    *retry.Evaluator
	IDs      *ids.Generator
	Logger   *log.Logger
}

// New 创建 Broker
func New(opts Options) *Broker {
	if opts.Renderer == nil {
		opts.Renderer = render.New()
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewEvaluator(opts.Renderer, nil)
	}
	if opts.IDs == nil {
		opts.IDs = ids.Default()
	}
	if opts.Logger == nil {
		opts.Logger, _ = log.NewLogger(nil)
	}
	return &Broker{
		log:      opts.Log,
		loads:    opts.Workload,
		errs:     opts.ErrorLog,
		queue:    opts.Queue,
		catalog:  opts.Catalog,
		renderer: opts.Renderer,
		retry:    opts.Retry,
		gen:      opts.IDs,
		logger:   opts.Logger,
		cache:    make(map[string]*playbook.Playbook),
	}
}

// SubmitRequest 提交一次执行。三种定位方式：catalog_id、path+version、
// path（version 取 latest）。Parent 仅子执行内部使用。
type SubmitRequest struct {
	CatalogID string
	Path      string
	Version   string
	Workload  map[string]any
	parent    *parentRef
}

// SubmitResult 提交结果
type SubmitResult struct {
	ExecutionID int64     `json:"execution_id"`
	CatalogID   string    `json:"catalog_id"`
	Path        string    `json:"path"`
	Version     string    `json:"version"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Submit 解析剧本、落 workload、追加 execution_start 并立即评估。
// 剧本结构错误在这里拒绝，不产生任何事件。
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	res, err := b.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := b.Evaluate(ctx, res.ExecutionID); err != nil {
		return nil, err
	}
	return res, nil
}

// submit 提交核心，不触发评估；子执行派发在父执行的评估级联里完成
func (b *Broker) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	entry, err := b.resolveEntry(ctx, req)
	if err != nil {
		return nil, err
	}
	pb, err := b.loadPlaybook(ctx, entry.CatalogID)
	if err != nil {
		return nil, err
	}
	executionID := b.gen.Next()

	// workload：剧本默认值 + 提交参数覆盖
	workload := make(map[string]any, len(pb.Workload)+len(req.Workload))
	for k, v := range pb.Workload {
		workload[k] = v
	}
	for k, v := range req.Workload {
		workload[k] = v
	}
	if b.loads != nil {
		if err := b.loads.SetWorkload(ctx, executionID, workload); err != nil {
			return nil, errors.Wrap(err, "broker: set workload")
		}
	}
	meta := map[string]any{"path": entry.Path, "version": entry.Version}
	if req.parent != nil {
		meta["parent_execution_id"] = req.parent.ExecutionID
		meta["parent_step"] = req.parent.Step
		meta["parent_event_id"] = req.parent.EventID
		meta["parent_node_id"] = req.parent.NodeID
		meta["iteration_index"] = req.parent.Index
	}
	now := time.Now().UTC()
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: executionID,
		Type:        event.ExecutionStart,
		Status:      event.StatusRunning,
		Context:     workload,
		Meta:        meta,
		CatalogID:   entry.CatalogID,
		Timestamp:   now,
	}); err != nil {
		return nil, err
	}
	return &SubmitResult{
		ExecutionID: executionID,
		CatalogID:   entry.CatalogID,
		Path:        entry.Path,
		Version:     entry.Version,
		Status:      event.StatusRunning,
		Timestamp:   now,
	}, nil
}

func (b *Broker) resolveEntry(ctx context.Context, req SubmitRequest) (*catalog.Entry, error) {
	if req.CatalogID != "" {
		return b.catalog.GetByID(ctx, req.CatalogID)
	}
	if req.Path == "" {
		return nil, errors.Wrap(errors.ErrInvalidArg, "broker: catalog_id or path required")
	}
	return b.catalog.Lookup(ctx, req.Path, req.Version)
}

// Cancel 追加 cancel_requested 并评估；broker 停止入队后继，在途任务 drain
func (b *Broker) Cancel(ctx context.Context, executionID int64) error {
	if _, err := b.append(ctx, &event.Event{
		ExecutionID: executionID,
		Type:        event.CancelRequested,
	}); err != nil {
		return err
	}
	return b.Evaluate(ctx, executionID)
}

// Evaluate 评估一次执行，并级联处理它引发的父/子执行评估。
// 可重入：同一触发事件评估两次不产生重复队列行或重复事件。
func (b *Broker) Evaluate(ctx context.Context, executionID int64) error {
	ctx, span := tracing.StartEvaluateSpan(ctx, executionID)
	defer span.End()

	pending := []int64{executionID}
	seen := map[int64]int{}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		if seen[id] > maxPasses {
			return fmt.Errorf("broker: evaluation cascade did not converge for execution %d", id)
		}
		seen[id]++
		followups, err := b.evaluateOne(ctx, id)
		if err != nil {
			return err
		}
		pending = append(pending, followups...)
	}
	return nil
}

// evaluateOne 单个执行的定点评估：fold → 派发，直到本轮无新事件
func (b *Broker) evaluateOne(ctx context.Context, executionID int64) ([]int64, error) {
	unlock := b.locks.lock(executionID)
	defer unlock()
	start := time.Now()
	defer func() {
		metrics.BrokerEvaluateDuration.Observe(time.Since(start).Seconds())
	}()

	var followups []int64
	for pass := 0; pass < maxPasses; pass++ {
		events, err := b.log.Stream(ctx, executionID)
		if err != nil {
			return nil, errors.Wrap(err, "broker: stream events")
		}
		if len(events) == 0 {
			return followups, nil
		}
		st := foldEvents(executionID, events)
		if st.terminal() {
			more, err := b.postToParent(ctx, st)
			if err != nil {
				return nil, err
			}
			return append(followups, more...), nil
		}
		pb, err := b.loadPlaybook(ctx, st.catalogID)
		if err != nil {
			return nil, err
		}
		changed, more, err := b.pass(ctx, st, pb)
		if err != nil {
			return nil, err
		}
		followups = append(followups, more...)
		if !changed {
			return followups, nil
		}
	}
	return nil, fmt.Errorf("broker: evaluation did not converge for execution %d", executionID)
}

// ReclaimAndEvaluate 周期回收过期租约，并重新评估受影响的执行。
// 回收时死信的任务由 worker 失联导致，不会有失败上报，这里代为
// 追加 action_error，让失败沿 step_failed → execution_failed 传播。
func (b *Broker) ReclaimAndEvaluate(ctx context.Context) (int, error) {
	tasks, err := b.queue.Reclaim(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "broker: reclaim")
	}
	if len(tasks) > 0 {
		b.logger.Info("reclaimed expired leases", "count", len(tasks))
	}
	affected := make([]int64, 0, len(tasks))
	seen := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == queue.StatusDead {
			msg := t.LastError
			if msg == "" {
				msg = "lease expired"
			}
			if _, err := b.append(ctx, &event.Event{
				ExecutionID: t.ExecutionID,
				Type:        event.ActionError,
				Status:      event.StatusFailed,
				NodeID:      t.NodeID,
				NodeName:    t.NodeName,
				Result:      map[string]any{"error": msg},
			}); err != nil {
				return 0, err
			}
		}
		if !seen[t.ExecutionID] {
			seen[t.ExecutionID] = true
			affected = append(affected, t.ExecutionID)
		}
	}
	for _, id := range affected {
		if err := b.Evaluate(ctx, id); err != nil {
			return 0, errors.Wrapf(err, "broker: evaluate %d after reclaim", id)
		}
	}
	if counts, err := b.queue.CountByStatus(ctx); err == nil {
		for status, c := range counts {
			metrics.QueueDepth.WithLabelValues(status).Set(float64(c))
		}
	}
	return len(tasks), nil
}

// ExecutionStatus 对外的执行状态视图，折叠事件流得出
type ExecutionStatus struct {
	ExecutionID int64  `json:"execution_id"`
	Status      string `json:"status"`
	Result      any    `json:"result,omitempty"`
	Events      int    `json:"events"`
}

// Status 查询执行状态；无事件返回 ErrNotFound
func (b *Broker) Status(ctx context.Context, executionID int64) (*ExecutionStatus, error) {
	events, err := b.log.Stream(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %d", executionID)
	}
	st := foldEvents(executionID, events)
	status := event.StatusRunning
	if st.terminal() {
		status = st.finalStatus
	}
	return &ExecutionStatus{
		ExecutionID: executionID,
		Status:      status,
		Result:      st.finalResult,
		Events:      len(events),
	}, nil
}

// append 事件追加 + 指标
func (b *Broker) append(ctx context.Context, e *event.Event) (*event.Event, error) {
	stored, err := b.log.Append(ctx, e)
	if err != nil {
		return nil, errors.Wrapf(err, "broker: append %s", e.Type)
	}
	metrics.EventAppendTotal.WithLabelValues(string(e.Type)).Inc()
	return stored, nil
}

func (b *Broker) loadPlaybook(ctx context.Context, catalogID string) (*playbook.Playbook, error) {
	b.cacheMu.RLock()
	pb, ok := b.cache[catalogID]
	b.cacheMu.RUnlock()
	if ok {
		return pb, nil
	}
	entry, err := b.catalog.GetByID(ctx, catalogID)
	if err != nil {
		return nil, errors.Wrapf(err, "broker: load playbook %s", catalogID)
	}
	pb, err = playbook.Parse(entry.Content)
	if err != nil {
		return nil, err
	}
	b.cacheMu.Lock()
	b.cache[catalogID] = pb
	b.cacheMu.Unlock()
	return pb, nil
}

// recordRenderError 模板渲染失败写入诊断错误日志
func (b *Broker) recordRenderError(ctx context.Context, executionID int64, node string, tpl string, rctx map[string]any, err error) {
	if b.errs == nil {
		return
	}
	keys := make([]string, 0, len(rctx))
	for k := range rctx {
		keys = append(keys, k)
	}
	_ = b.errs.Record(ctx, &event.ErrorEntry{
		ExecutionID: executionID,
		NodeID:      node,
		Kind:        "template_rendering",
		Template:    tpl,
		ContextKeys: keys,
		Message:     err.Error(),
	})
}

// keyedLocks 按执行 ID 串行化进程内评估；跨进程靠存储层幂等
type keyedLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedLocks) lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
