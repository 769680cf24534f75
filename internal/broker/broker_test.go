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

package broker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"noetl/internal/catalog"
	"noetl/internal/event"
	"noetl/internal/queue"
)

type testEnv struct {
	broker  *Broker
	log     event.Log
	queue   queue.Queue
	catalog catalog.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ml := event.NewMemoryLog(nil)
	q := queue.NewMemoryQueue(nil)
	cs := catalog.NewMemoryStore(nil)
	b := New(Options{Log: ml, Workload: ml, ErrorLog: ml, Queue: q, Catalog: cs})
	return &testEnv{broker: b, log: ml, queue: q, catalog: cs}
}

func (e *testEnv) register(t *testing.T, yaml string) {
	t.Helper()
	if _, err := e.catalog.Register(context.Background(), []byte(yaml)); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T, path string, workload map[string]any) int64 {
	t.Helper()
	res, err := e.broker.Submit(context.Background(), SubmitRequest{Path: path, Workload: workload})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res.ExecutionID
}

// drain 测试用 worker：循环租任务，回报 handler 结果，触发评估，直到队列空。
// handler 返回错误时只回报 action_error，不标记完成，交由 broker 决定重试或死亡。
func (e *testEnv) drain(t *testing.T, handle func(*queue.Task) (any, error)) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		task, err := e.queue.Lease(ctx, "w-test", time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if task == nil {
			return
		}
		if _, err := e.log.Append(ctx, &event.Event{
			ExecutionID: task.ExecutionID,
			Type:        event.ActionStarted,
			NodeID:      task.NodeID,
			NodeName:    task.NodeName,
		}); err != nil {
			t.Fatalf("append action_started: %v", err)
		}
		result, herr := handle(task)
		if herr != nil {
			if _, err := e.log.Append(ctx, &event.Event{
				ExecutionID: task.ExecutionID,
				Type:        event.ActionError,
				NodeID:      task.NodeID,
				NodeName:    task.NodeName,
				Result:      map[string]any{"error": herr.Error()},
			}); err != nil {
				t.Fatalf("append action_error: %v", err)
			}
		} else {
			if _, err := e.log.Append(ctx, &event.Event{
				ExecutionID: task.ExecutionID,
				Type:        event.ActionCompleted,
				NodeID:      task.NodeID,
				NodeName:    task.NodeName,
				Result:      result,
			}); err != nil {
				t.Fatalf("append action_completed: %v", err)
			}
			if err := e.queue.Complete(ctx, task.QueueID, "w-test"); err != nil {
				t.Fatalf("complete: %v", err)
			}
		}
		if err := e.broker.Evaluate(ctx, task.ExecutionID); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	t.Fatal("queue did not drain")
}

func (e *testEnv) events(t *testing.T, executionID int64) []event.Event {
	t.Helper()
	events, err := e.log.Stream(context.Background(), executionID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	return events
}

func (e *testEnv) status(t *testing.T, executionID int64) *ExecutionStatus {
	t.Helper()
	st, err := e.broker.Status(context.Background(), executionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

func eventTypes(events []event.Event) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = string(events[i].Type)
	}
	return out
}

func countType(events []event.Event, typ event.Type) int {
	n := 0
	for i := range events {
		if events[i].Type == typ {
			n++
		}
	}
	return n
}

func okResult(data any) map[string]any {
	return map[string]any{"status": "ok", "data": data}
}

const linearYAML = `
metadata:
  path: tests/linear
workload:
  base_url: https://api.example.com
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: http
    method: GET
    url: "{{ workload.base_url }}/items"
    next:
      - step: end
  - step: end
`

func TestLinearExecution(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", nil)

	tasks, _ := env.queue.List(context.Background(), id)
	if len(tasks) != 1 {
		t.Fatalf("want 1 queued task, got %d", len(tasks))
	}
	if got := tasks[0].Action["url"]; got != "https://api.example.com/items" {
		t.Fatalf("rendered url = %v", got)
	}

	env.drain(t, func(task *queue.Task) (any, error) {
		return okResult(map[string]any{"count": 2}), nil
	})

	want := []string{
		"execution_start",
		"step_started", "step_completed", // start 路由
		"step_started", "action_started", "action_completed", "step_completed", // fetch
		"step_completed", // end
		"execution_complete",
	}
	got := eventTypes(env.events(t, id))
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", nil)
	ctx := context.Background()

	// 重复评估不产生重复队列行或事件
	before := len(env.events(t, id))
	for i := 0; i < 5; i++ {
		if err := env.broker.Evaluate(ctx, id); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if after := len(env.events(t, id)); after != before {
		t.Fatalf("events grew %d → %d on idle evaluate", before, after)
	}
	tasks, _ := env.queue.List(ctx, id)
	if len(tasks) != 1 {
		t.Fatalf("want 1 task after repeated evaluate, got %d", len(tasks))
	}

	env.drain(t, func(task *queue.Task) (any, error) { return okResult("x"), nil })
	final := len(env.events(t, id))
	for i := 0; i < 5; i++ {
		if err := env.broker.Evaluate(ctx, id); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	events := env.events(t, id)
	if len(events) != final {
		t.Fatalf("events grew after terminal")
	}
	terminals := countType(events, event.ExecutionComplete) + countType(events, event.ExecutionFailed)
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
}

const branchYAML = `
metadata:
  path: tests/branch
workflow:
  - step: start
    next:
      - step: check
  - step: check
    type: http
    url: https://api.example.com/check
    next:
      - when: "{{ check.flag }}"
        then:
          - step: hot
            args:
              mode: fast
      - else:
          - step: cold
  - step: hot
    type: http
    url: "https://api.example.com/{{ mode }}"
    next:
      - step: end
  - step: cold
    type: http
    url: https://api.example.com/slow
    next:
      - step: end
  - step: end
`

func TestConditionalBranch(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, branchYAML)
	id := env.submit(t, "tests/branch", nil)

	env.drain(t, func(task *queue.Task) (any, error) {
		if task.NodeName == "check" {
			return okResult(map[string]any{"flag": true}), nil
		}
		return okResult(task.Action["url"]), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	for i := range events {
		if events[i].NodeName == "cold" {
			t.Fatalf("else branch dispatched despite when match: %v", events[i].Type)
		}
	}
	// args 注入渲染上下文
	hot, err := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-hot", id))
	if err != nil || hot == nil {
		t.Fatalf("hot task missing: %v", err)
	}
	if hot.Action["url"] != "https://api.example.com/fast" {
		t.Fatalf("hot url = %v", hot.Action["url"])
	}
}

func TestElseBranch(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, branchYAML)
	id := env.submit(t, "tests/branch", nil)

	env.drain(t, func(task *queue.Task) (any, error) {
		if task.NodeName == "check" {
			return okResult(map[string]any{"flag": false}), nil
		}
		return okResult("done"), nil
	})

	if st := env.status(t, id); st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	sawCold := false
	for i := range events {
		if events[i].NodeName == "hot" {
			t.Fatalf("when branch dispatched despite falsy condition")
		}
		if events[i].NodeName == "cold" {
			sawCold = true
		}
	}
	if !sawCold {
		t.Fatal("else branch never dispatched")
	}
}

const fanoutYAML = `
metadata:
  path: tests/fanout
workflow:
  - step: start
    next:
      - step: seed
  - step: seed
    type: http
    url: https://api.example.com/seed
    next:
      - step: left
      - step: right
  - step: left
    type: http
    url: https://api.example.com/left
    next:
      - step: end
  - step: right
    type: http
    url: https://api.example.com/right
    next:
      - step: end
  - step: end
`

func TestFanOut(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, fanoutYAML)
	id := env.submit(t, "tests/fanout", nil)

	env.drain(t, func(task *queue.Task) (any, error) { return okResult(task.NodeName), nil })

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	started := map[string]bool{}
	for i := range events {
		if events[i].Type == event.StepStarted {
			started[events[i].NodeName] = true
		}
	}
	if !started["left"] || !started["right"] {
		t.Fatalf("fan-out incomplete: %v", started)
	}
}

const retryYAML = `
metadata:
  path: tests/retry
workflow:
  - step: start
    next:
      - step: flaky
  - step: flaky
    type: http
    url: https://api.example.com/flaky
    retry:
      max_attempts: 3
      initial_delay: 0
      backoff_multiplier: 1
    next:
      - step: end
  - step: end
`

func TestRetryToSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, retryYAML)
	id := env.submit(t, "tests/retry", nil)

	failures := 0
	env.drain(t, func(task *queue.Task) (any, error) {
		if failures < 2 {
			failures++
			return nil, fmt.Errorf("connection reset")
		}
		return okResult("recovered"), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if n := countType(events, event.ActionRetry); n != 2 {
		t.Fatalf("action_retry = %d, want 2", n)
	}
	task, _ := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-flaky", id))
	if task.Status != queue.StatusDone {
		t.Fatalf("task status = %s", task.Status)
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
}

const exhaustYAML = `
metadata:
  path: tests/exhaust
workflow:
  - step: start
    next:
      - step: doomed
  - step: doomed
    type: http
    url: https://api.example.com/doomed
    retry:
      max_attempts: 2
      initial_delay: 0
      backoff_multiplier: 1
    next:
      - step: end
  - step: end
`

func TestRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, exhaustYAML)
	id := env.submit(t, "tests/exhaust", nil)

	env.drain(t, func(task *queue.Task) (any, error) {
		return nil, fmt.Errorf("permanent failure")
	})

	st := env.status(t, id)
	if st.Status != event.StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if n := countType(events, event.ActionRetry); n != 1 {
		t.Fatalf("action_retry = %d, want 1", n)
	}
	if countType(events, event.StepFailed) == 0 {
		t.Fatal("step_failed missing")
	}
	if countType(events, event.ExecutionFailed) != 1 {
		t.Fatal("want exactly one execution_failed")
	}
	task, _ := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-doomed", id))
	if task.Status != queue.StatusDead {
		t.Fatalf("task status = %s, want dead", task.Status)
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
}

const seqLoopYAML = `
metadata:
  path: tests/seq-loop
workload:
  items: []
workflow:
  - step: start
    next:
      - step: fan
  - step: fan
    type: http
    url: "https://api.example.com/{{ item }}"
    loop:
      in: "{{ workload.items }}"
      iterator: item
      mode: sequential
    next:
      - step: end
  - step: end
`

func TestSequentialIterator(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, seqLoopYAML)
	id := env.submit(t, "tests/seq-loop", map[string]any{"items": []any{"a", "b", "c"}})

	env.drain(t, func(task *queue.Task) (any, error) {
		return okResult(task.Action["url"]), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)

	// 顺序：第 i+1 个 iteration_started 必须在第 i 个 iteration_completed 之后
	var order []string
	for i := range events {
		switch events[i].Type {
		case event.IterationStarted, event.IterationCompleted:
			idx, _ := events[i].MetaInt("iteration_index")
			order = append(order, fmt.Sprintf("%s:%d", events[i].Type, idx))
		}
	}
	wantOrder := []string{
		"iteration_started:0", "iteration_completed:0",
		"iteration_started:1", "iteration_completed:1",
		"iteration_started:2", "iteration_completed:2",
	}
	if len(order) != len(wantOrder) {
		t.Fatalf("iteration order = %v", order)
	}
	for i := range wantOrder {
		if order[i] != wantOrder[i] {
			t.Fatalf("iteration order = %v, want %v", order, wantOrder)
		}
	}

	if n := countType(events, event.LoopCompleted); n != 1 {
		t.Fatalf("loop_completed = %d, want 1", n)
	}
	for i := range events {
		if events[i].Type == event.LoopCompleted {
			results := loopResults(t, events[i].Result)
			if len(results) != 3 {
				t.Fatalf("loop result = %v", events[i].Result)
			}
			want := []string{"https://api.example.com/a", "https://api.example.com/b", "https://api.example.com/c"}
			for j := range want {
				if results[j] != want[j] {
					t.Fatalf("loop result[%d] = %v, want %s", j, results[j], want[j])
				}
			}
		}
	}
}

// loopResults 聚合结果挂在 results 键下，后续步骤以 {{ 步骤名.results }} 引用
func loopResults(t *testing.T, result any) []any {
	t.Helper()
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("loop result = %T, want map with results key", result)
	}
	list, ok := m["results"].([]any)
	if !ok {
		t.Fatalf("loop result.results = %v", m["results"])
	}
	return list
}

const asyncLoopYAML = `
metadata:
  path: tests/async-loop
workload:
  items: []
workflow:
  - step: start
    next:
      - step: fan
  - step: fan
    type: http
    url: "https://api.example.com/{{ item }}"
    loop:
      in: "{{ workload.items }}"
      iterator: item
      on_error: continue
    next:
      - step: end
  - step: end
`

func TestAsyncIteratorContinueOnError(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, asyncLoopYAML)
	id := env.submit(t, "tests/async-loop", map[string]any{"items": []any{"a", "b", "c"}})

	env.drain(t, func(task *queue.Task) (any, error) {
		if url, _ := task.Action["url"].(string); strings.HasSuffix(url, "/b") {
			return nil, fmt.Errorf("element rejected")
		}
		return okResult(task.Action["url"]), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if n := countType(events, event.IterationFailed); n != 1 {
		t.Fatalf("iteration_failed = %d, want 1", n)
	}
	for i := range events {
		if events[i].Type != event.LoopCompleted {
			continue
		}
		results := loopResults(t, events[i].Result)
		if len(results) != 2 {
			t.Fatalf("partial loop result = %v", events[i].Result)
		}
		if n, _ := events[i].MetaInt("count"); n != 3 {
			t.Fatalf("stats count = %d", n)
		}
		if n, _ := events[i].MetaInt("completed"); n != 2 {
			t.Fatalf("stats completed = %d", n)
		}
		if n, _ := events[i].MetaInt("failed"); n != 1 {
			t.Fatalf("stats failed = %d", n)
		}
	}
}

const strictLoopYAML = `
metadata:
  path: tests/strict-loop
workload:
  items: []
workflow:
  - step: start
    next:
      - step: fan
  - step: fan
    type: http
    url: "https://api.example.com/{{ item }}"
    loop:
      in: "{{ workload.items }}"
      iterator: item
    next:
      - step: end
  - step: end
`

func TestAsyncIteratorFailFast(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, strictLoopYAML)
	id := env.submit(t, "tests/strict-loop", map[string]any{"items": []any{"a", "b"}})

	env.drain(t, func(task *queue.Task) (any, error) {
		if url, _ := task.Action["url"].(string); strings.HasSuffix(url, "/b") {
			return nil, fmt.Errorf("element rejected")
		}
		return okResult("ok"), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if countType(events, event.LoopCompleted) != 0 {
		t.Fatal("loop_completed emitted despite fail-fast")
	}
	if countType(events, event.StepFailed) == 0 {
		t.Fatal("step_failed missing")
	}
}

func TestIteratorEmptyCollection(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, strictLoopYAML)
	id := env.submit(t, "tests/strict-loop", map[string]any{"items": []any{}})

	// 无任务可跑，提交时即应完成
	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	for i := range events {
		if events[i].Type == event.LoopCompleted {
			if results := loopResults(t, events[i].Result); len(results) != 0 {
				t.Fatalf("empty loop result = %v", events[i].Result)
			}
		}
	}
	tasks, _ := env.queue.List(context.Background(), id)
	if len(tasks) != 0 {
		t.Fatalf("empty loop enqueued %d tasks", len(tasks))
	}
}

const childYAML = `
metadata:
  path: tests/child
workflow:
  - step: start
    next:
      - step: work
  - step: work
    type: http
    url: "https://api.example.com/{{ workload.name }}"
    next:
      - step: end
  - step: end
`

const parentYAML = `
metadata:
  path: tests/parent
workload:
  name: alice
workflow:
  - step: start
    next:
      - step: delegate
  - step: delegate
    type: playbook
    path: tests/child
    payload:
      name: "{{ workload.name }}"
    next:
      - step: end
  - step: end
`

func TestSubPlaybook(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, childYAML)
	env.register(t, parentYAML)
	id := env.submit(t, "tests/parent", nil)

	var childID int64
	env.drain(t, func(task *queue.Task) (any, error) {
		if task.ExecutionID != id {
			childID = task.ExecutionID
		}
		return okResult(task.Action["url"]), nil
	})

	if childID == 0 {
		t.Fatal("child execution never ran")
	}
	if st := env.status(t, childID); st.Status != event.StatusCompleted {
		t.Fatalf("child status = %s", st.Status)
	}
	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("parent status = %s", st.Status)
	}
	// 子执行 workload 来自渲染后的 payload
	childTask, _ := env.queue.FindByNode(context.Background(), childID, fmt.Sprintf("%d-work", childID))
	if childTask.Action["url"] != "https://api.example.com/alice" {
		t.Fatalf("child url = %v", childTask.Action["url"])
	}
	// 父执行收到且仅收到一次合成回报
	parentEvents := env.events(t, id)
	posted := 0
	for i := range parentEvents {
		if cid, ok := parentEvents[i].MetaInt("child_execution_id"); ok && int64(cid) == childID {
			posted++
		}
	}
	if posted != 1 {
		t.Fatalf("child posted %d times, want 1", posted)
	}
}

const loopChildYAML = `
metadata:
  path: tests/loop-parent
workload:
  items: []
workflow:
  - step: start
    next:
      - step: each
  - step: each
    type: playbook
    path: tests/child
    payload:
      name: "{{ item }}"
    loop:
      in: "{{ workload.items }}"
      iterator: item
      mode: sequential
    next:
      - step: end
  - step: end
`

func TestSubPlaybookIterator(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, childYAML)
	env.register(t, loopChildYAML)
	id := env.submit(t, "tests/loop-parent", map[string]any{"items": []any{"x", "y"}})

	children := map[int64]bool{}
	env.drain(t, func(task *queue.Task) (any, error) {
		if task.ExecutionID != id {
			children[task.ExecutionID] = true
		}
		return okResult(task.Action["url"]), nil
	})

	if len(children) != 2 {
		t.Fatalf("child executions = %d, want 2", len(children))
	}
	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if n := countType(events, event.IterationCompleted); n != 2 {
		t.Fatalf("iteration_completed = %d, want 2", n)
	}
	if n := countType(events, event.LoopCompleted); n != 1 {
		t.Fatalf("loop_completed = %d, want 1", n)
	}
}

const sinkYAML = `
metadata:
  path: tests/sink
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: http
    url: https://api.example.com/data
    sink:
      type: postgres
      table: results
      data: "{{ result }}"
    next:
      - step: end
  - step: end
`

func TestSinkGatesTransition(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, sinkYAML)
	id := env.submit(t, "tests/sink", nil)

	env.drain(t, func(task *queue.Task) (any, error) {
		return okResult("row"), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	var saveStartedAt, saveCompletedAt, endAt int = -1, -1, -1
	for i := range events {
		switch {
		case events[i].Type == event.SaveStarted:
			saveStartedAt = i
		case events[i].Type == event.SaveCompleted:
			saveCompletedAt = i
		case events[i].Type == event.StepCompleted && events[i].NodeName == "end":
			endAt = i
		}
	}
	if saveStartedAt < 0 || saveCompletedAt < 0 || endAt < 0 {
		t.Fatalf("missing sink events: %v", eventTypes(events))
	}
	if !(saveStartedAt < saveCompletedAt && saveCompletedAt < endAt) {
		t.Fatalf("sink did not gate transition: save_started=%d save_completed=%d end=%d",
			saveStartedAt, saveCompletedAt, endAt)
	}
	tasks, _ := env.queue.List(context.Background(), id)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want main + sink", len(tasks))
	}
	sink, _ := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-fetch-sink", id))
	if sink == nil {
		t.Fatal("sink task missing")
	}
	if sink.Action["type"] != "postgres" {
		t.Fatalf("sink action type = %v", sink.Action["type"])
	}
}

func TestSinkFailureFailsStep(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, sinkYAML)
	id := env.submit(t, "tests/sink", nil)

	env.drain(t, func(task *queue.Task) (any, error) {
		if strings.HasSuffix(task.NodeID, "-sink") {
			return nil, fmt.Errorf("table missing")
		}
		return okResult("row"), nil
	})

	st := env.status(t, id)
	if st.Status != event.StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	events := env.events(t, id)
	if countType(events, event.SaveFailed) != 1 {
		t.Fatal("save_failed missing")
	}
	if countType(events, event.StepFailed) == 0 {
		t.Fatal("step_failed missing")
	}
	if countType(events, event.SaveCompleted) != 0 {
		t.Fatal("save_completed emitted despite sink failure")
	}
}

const workbookYAML = `
metadata:
  path: tests/workbook
workload:
  q: term
workbook:
  - name: fetch_data
    type: http
    method: GET
    url: "https://api.example.com/search/{{ workload.q }}"
workflow:
  - step: start
    next:
      - step: use
  - step: use
    type: workbook
    name: fetch_data
    next:
      - step: end
  - step: end
`

func TestWorkbookResolution(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, workbookYAML)
	id := env.submit(t, "tests/workbook", nil)

	task, _ := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-use", id))
	if task == nil {
		t.Fatal("workbook task missing")
	}
	if task.Action["type"] != "http" {
		t.Fatalf("resolved type = %v", task.Action["type"])
	}
	if task.Action["url"] != "https://api.example.com/search/term" {
		t.Fatalf("resolved url = %v", task.Action["url"])
	}

	env.drain(t, func(task *queue.Task) (any, error) { return okResult("hit"), nil })
	if st := env.status(t, id); st.Status != event.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", nil)
	ctx := context.Background()

	if err := env.broker.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st := env.status(t, id)
	if st.Status != event.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", st.Status)
	}
	tasks, _ := env.queue.List(ctx, id)
	for i := range tasks {
		if tasks[i].Status != queue.StatusDead {
			t.Fatalf("task %d status = %s after cancel", tasks[i].QueueID, tasks[i].Status)
		}
	}
	// 取消后评估是幂等 no-op
	before := len(env.events(t, id))
	if err := env.broker.Evaluate(ctx, id); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if after := len(env.events(t, id)); after != before {
		t.Fatalf("events grew after cancelled terminal")
	}
}

func TestWorkloadOverride(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", map[string]any{"base_url": "https://override.example.com"})

	task, _ := env.queue.FindByNode(context.Background(), id, fmt.Sprintf("%d-fetch", id))
	if task.Action["url"] != "https://override.example.com/items" {
		t.Fatalf("url = %v, workload override not applied", task.Action["url"])
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.broker.Status(context.Background(), 424242); err == nil {
		t.Fatal("want error for unknown execution")
	}
}

func TestSubmitUnknownPlaybook(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.broker.Submit(context.Background(), SubmitRequest{Path: "tests/missing"}); err == nil {
		t.Fatal("want error for unregistered path")
	}
	if _, err := env.broker.Submit(context.Background(), SubmitRequest{}); err == nil {
		t.Fatal("want error when neither catalog_id nor path given")
	}
}

func TestReclaimAndEvaluate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, retryYAML)
	id := env.submit(t, "tests/retry", nil)
	ctx := context.Background()

	task, err := env.queue.Lease(ctx, "w-dead", -time.Second)
	if err != nil || task == nil {
		t.Fatalf("lease: %v", err)
	}
	n, err := env.broker.ReclaimAndEvaluate(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	got, _ := env.queue.Get(ctx, task.QueueID)
	if got.Status != queue.StatusQueued {
		t.Fatalf("status = %s after reclaim", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, reclaim must not reset", got.Attempts)
	}
	// 仍有余量的任务只回炉，不产生失败事件
	if countType(env.events(t, id), event.ActionError) != 0 {
		t.Fatal("action_error emitted for requeued task")
	}
	if st := env.status(t, id); st.Status != event.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", st.Status)
	}
}

func TestReclaimDeadsExhaustedLease(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", nil)
	ctx := context.Background()

	// 无 retry 策略的步骤 max_attempts=1：首次租约即耗尽
	task, err := env.queue.Lease(ctx, "w-gone", -time.Second)
	if err != nil || task == nil {
		t.Fatalf("lease: %v", err)
	}
	n, err := env.broker.ReclaimAndEvaluate(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	got, _ := env.queue.Get(ctx, task.QueueID)
	if got.Status != queue.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	if got.Attempts > got.MaxAttempts {
		t.Fatalf("attempts = %d exceeds max %d", got.Attempts, got.MaxAttempts)
	}
	// 死信不再可租
	if again, _ := env.queue.Lease(ctx, "w-2", time.Minute); again != nil {
		t.Fatalf("dead task leased again: %d", again.QueueID)
	}
	// 失败沿 step_failed 传播到执行终态
	events := env.events(t, id)
	if countType(events, event.StepFailed) == 0 {
		t.Fatal("step_failed missing after reclaim death")
	}
	if st := env.status(t, id); st.Status != event.StatusFailed {
		t.Fatalf("status = %s, want FAILED", st.Status)
	}
}

func TestCancelWaitsForLeasedTask(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, linearYAML)
	id := env.submit(t, "tests/linear", nil)
	ctx := context.Background()

	task, err := env.queue.Lease(ctx, "w-test", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("lease: %v", err)
	}
	if err := env.broker.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 在途任务未 drain，不追加终态
	if st := env.status(t, id); st.Status != event.StatusRunning {
		t.Fatalf("status = %s before drain, want RUNNING", st.Status)
	}

	if _, err := env.log.Append(ctx, &event.Event{
		ExecutionID: id,
		Type:        event.ActionCompleted,
		NodeID:      task.NodeID,
		NodeName:    task.NodeName,
		Result:      okResult("late"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := env.queue.Complete(ctx, task.QueueID, "w-test"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.broker.Evaluate(ctx, id); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	st := env.status(t, id)
	if st.Status != event.StatusCancelled {
		t.Fatalf("status = %s after drain, want CANCELLED", st.Status)
	}
	if countType(env.events(t, id), event.ExecutionFailed) != 1 {
		t.Fatal("want exactly one terminal event")
	}
}
