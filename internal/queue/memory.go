package queue

import (
	"context"
	"sync"
	"time"

	"noetl/internal/ids"
)

// memoryQueue 内存实现：单测与 dev 单进程模式用
type memoryQueue struct {
	mu   sync.Mutex
	byID map[int64]*Task
	gen  *ids.Generator
}

// NewMemoryQueue 创建内存任务队列
func NewMemoryQueue(gen *ids.Generator) *memoryQueue {
	if gen == nil {
		gen = ids.Default()
	}
	return &memoryQueue{byID: make(map[int64]*Task), gen: gen}
}

func (q *memoryQueue) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	if err := normalize(t); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.byID {
		if existing.ExecutionID == t.ExecutionID && existing.NodeID == t.NodeID {
			cp := *existing
			return &cp, nil
		}
	}
	t.QueueID = q.gen.Next()
	cp := *t
	q.byID[t.QueueID] = &cp
	out := cp
	return &out, nil
}

func (q *memoryQueue) Lease(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var best *Task
	for _, t := range q.byID {
		if t.Status != StatusQueued && t.Status != StatusRetry {
			continue
		}
		if t.AvailableAt.After(now) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.QueueID < best.QueueID) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusLeased
	best.WorkerID = workerID
	best.LeaseUntil = now.Add(lease)
	best.Attempts++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (q *memoryQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[queueID]
	if !ok || t.Status != StatusLeased || t.WorkerID != workerID {
		return ErrLeaseLost
	}
	now := time.Now().UTC()
	t.LeaseUntil = now.Add(lease)
	t.UpdatedAt = now
	return nil
}

func (q *memoryQueue) Complete(ctx context.Context, queueID int64, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[queueID]
	if !ok {
		return nil
	}
	if t.Status == StatusDone {
		return nil
	}
	if t.Status != StatusLeased || t.WorkerID != workerID {
		return ErrNotOwner
	}
	t.Status = StatusDone
	t.WorkerID = ""
	t.LeaseUntil = time.Time{}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memoryQueue) Retry(ctx context.Context, queueID int64, lastError string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[queueID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	t.Status = StatusRetry
	t.WorkerID = ""
	t.LeaseUntil = time.Time{}
	t.LastError = lastError
	t.AvailableAt = now.Add(delay)
	t.UpdatedAt = now
	return nil
}

func (q *memoryQueue) Dead(ctx context.Context, queueID int64, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[queueID]
	if !ok {
		return nil
	}
	t.Status = StatusDead
	t.WorkerID = ""
	t.LeaseUntil = time.Time{}
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memoryQueue) Reclaim(ctx context.Context) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var out []Task
	for _, t := range q.byID {
		if t.Status != StatusLeased || !t.LeaseUntil.Before(now) {
			continue
		}
		t.WorkerID = ""
		t.LeaseUntil = time.Time{}
		t.UpdatedAt = now
		// 次数耗尽的不再回炉，直接死信
		if t.Attempts >= t.MaxAttempts {
			t.Status = StatusDead
			t.LastError = "lease expired; attempts exhausted"
		} else {
			t.Status = StatusQueued
			t.AvailableAt = now
		}
		out = append(out, *t)
	}
	return out, nil
}

func (q *memoryQueue) FindByNode(ctx context.Context, executionID int64, nodeID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.byID {
		if t.ExecutionID == executionID && t.NodeID == nodeID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *memoryQueue) Get(ctx context.Context, queueID int64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[queueID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (q *memoryQueue) List(ctx context.Context, executionID int64) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.byID {
		if t.ExecutionID == executionID {
			out = append(out, *t)
		}
	}
	// queue_id 升序
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].QueueID < out[j-1].QueueID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (q *memoryQueue) CountByStatus(ctx context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range q.byID {
		out[string(t.Status)]++
	}
	return out, nil
}
