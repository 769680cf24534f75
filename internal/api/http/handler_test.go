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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"noetl/internal/api/http/middleware"
	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/event"
	"noetl/internal/queue"
)

const apiTestPlaybook = `
metadata:
  path: api/linear
  version: 0.1.0
workload:
  base_url: https://api.example.com
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: http
    url: "{{ workload.base_url }}/items"
    next:
      - step: end
  - step: end
`

func buildTestServer(t *testing.T) *server.Hertz {
	t.Helper()
	ml := event.NewMemoryLog(nil)
	q := queue.NewMemoryQueue(nil)
	cs := catalog.NewMemoryStore(nil)
	b := broker.New(broker.Options{Log: ml, Workload: ml, ErrorLog: ml, Queue: q, Catalog: cs})
	h := NewHandler(b, ml, q, cs, nil)
	r := NewRouter(h, middleware.NewMiddleware(nil))
	return r.Build(":0")
}

func doJSON(t *testing.T, s *server.Hertz, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case nil:
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	w := ut.PerformRequest(s.Engine, method, url, &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)})
	resp := w.Result()
	var out map[string]any
	if len(resp.Body()) > 0 {
		dec := json.NewDecoder(bytes.NewReader(resp.Body()))
		dec.UseNumber()
		_ = dec.Decode(&out)
	}
	return resp.StatusCode(), out
}

func registerTestPlaybook(t *testing.T, s *server.Hertz) {
	t.Helper()
	status, body := doJSON(t, s, "POST", "/api/catalog", apiTestPlaybook)
	if status != 200 {
		t.Fatalf("register status = %d, body %v", status, body)
	}
	if body["path"] != "api/linear" {
		t.Fatalf("register path = %v", body["path"])
	}
	if body["version"] != "0.1.0" {
		t.Fatalf("register version = %v", body["version"])
	}
}

func TestHealth(t *testing.T) {
	s := buildTestServer(t)
	status, body := doJSON(t, s, "GET", "/api/health", nil)
	if status != 200 || body["status"] != "ok" {
		t.Fatalf("health = %d %v", status, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildTestServer(t)
	w := ut.PerformRequest(s.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("metrics status = %d", got)
	}
}

func TestRunExecution(t *testing.T) {
	s := buildTestServer(t)
	registerTestPlaybook(t, s)

	status, body := doJSON(t, s, "POST", "/api/executions/run", map[string]any{
		"path": "api/linear",
		"args": map[string]any{"base_url": "https://override.example.com"},
	})
	if status != 200 {
		t.Fatalf("run status = %d, body %v", status, body)
	}
	// 新旧字段名并存
	if body["execution_id"] == "" || body["execution_id"] != body["id"] {
		t.Fatalf("id aliases mismatch: %v", body)
	}
	if body["timestamp"] != body["start_time"] {
		t.Fatalf("timestamp aliases mismatch: %v", body)
	}
	if body["status"] != event.StatusRunning {
		t.Fatalf("status = %v", body["status"])
	}
	if body["execution_type"] != "playbook" {
		t.Fatalf("execution_type = %v", body["execution_type"])
	}

	id := body["execution_id"].(string)
	status, got := doJSON(t, s, "GET", "/api/executions/"+id, nil)
	if status != 200 {
		t.Fatalf("get status = %d", status)
	}
	if got["status"] != event.StatusRunning {
		t.Fatalf("execution status = %v", got["status"])
	}

	status, events := doJSON(t, s, "GET", "/api/executions/"+id+"/events", nil)
	if status != 200 {
		t.Fatalf("events status = %d", status)
	}
	if n, _ := events["total"].(json.Number).Int64(); n < 2 {
		t.Fatalf("events total = %v", events["total"])
	}
}

func TestRunExecutionErrors(t *testing.T) {
	s := buildTestServer(t)

	status, _ := doJSON(t, s, "POST", "/api/executions/run", map[string]any{"path": "no/such"})
	if status != 404 {
		t.Fatalf("unknown path status = %d, want 404", status)
	}
	status, _ = doJSON(t, s, "POST", "/api/executions/run", map[string]any{})
	if status != 400 {
		t.Fatalf("missing identifier status = %d, want 400", status)
	}
	status, _ = doJSON(t, s, "GET", "/api/executions/not-a-number", nil)
	if status != 400 {
		t.Fatalf("bad id status = %d, want 400", status)
	}
	status, _ = doJSON(t, s, "GET", "/api/executions/123456789", nil)
	if status != 404 {
		t.Fatalf("unknown execution status = %d, want 404", status)
	}
}

func TestExecuteAlias(t *testing.T) {
	s := buildTestServer(t)
	registerTestPlaybook(t, s)

	status, body := doJSON(t, s, "POST", "/api/execute", map[string]any{
		"playbook":   "api/linear", // path 的旧字段名
		"parameters": map[string]any{},
	})
	if status != 200 {
		t.Fatalf("execute alias status = %d, body %v", status, body)
	}
}

func TestQueueWorkerFlow(t *testing.T) {
	s := buildTestServer(t)
	registerTestPlaybook(t, s)

	_, run := doJSON(t, s, "POST", "/api/executions/run", map[string]any{"path": "api/linear"})
	id := run["execution_id"].(string)

	status, body := doJSON(t, s, "POST", "/api/queue/lease", map[string]any{"worker_id": "w-1"})
	if status != 200 {
		t.Fatalf("lease status = %d", status)
	}
	task, ok := body["task"].(map[string]any)
	if !ok {
		t.Fatalf("no task leased: %v", body)
	}
	queueID := task["queue_id"].(json.Number).String()

	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/heartbeat", map[string]any{"worker_id": "w-1"})
	if status != 200 {
		t.Fatalf("heartbeat status = %d", status)
	}
	// 非持有者续约被拒
	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/heartbeat", map[string]any{"worker_id": "w-2"})
	if status != 409 {
		t.Fatalf("stolen heartbeat status = %d, want 409", status)
	}

	// 缺 worker_id 拒绝，非持有者 409
	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/complete", map[string]any{})
	if status != 400 {
		t.Fatalf("complete without worker_id status = %d, want 400", status)
	}
	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/complete", map[string]any{
		"worker_id": "w-2",
		"result":    map[string]any{"status": "ok"},
	})
	if status != 409 {
		t.Fatalf("non-owner complete status = %d, want 409", status)
	}

	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/complete", map[string]any{
		"worker_id": "w-1",
		"result":    map[string]any{"status": "ok", "data": 42},
	})
	if status != 200 {
		t.Fatalf("complete status = %d", status)
	}

	_, got := doJSON(t, s, "GET", "/api/executions/"+id, nil)
	if got["status"] != event.StatusCompleted {
		t.Fatalf("execution status = %v, want COMPLETED", got["status"])
	}

	// 幂等：重复 complete 是 no-op
	before, _ := doJSON(t, s, "GET", "/api/executions/"+id+"/events", nil)
	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/complete", map[string]any{})
	if status != 200 {
		t.Fatalf("second complete status = %d", status)
	}
	_, after := doJSON(t, s, "GET", "/api/executions/"+id+"/events", nil)
	_ = before
	if after == nil {
		t.Fatal("events query failed")
	}

	// 完成后续约失败
	status, _ = doJSON(t, s, "POST", "/api/queue/"+queueID+"/heartbeat", map[string]any{"worker_id": "w-1"})
	if status != 409 {
		t.Fatalf("heartbeat after complete status = %d, want 409", status)
	}
}

func TestQueueFail(t *testing.T) {
	s := buildTestServer(t)
	registerTestPlaybook(t, s)

	_, run := doJSON(t, s, "POST", "/api/executions/run", map[string]any{"path": "api/linear"})
	id := run["execution_id"].(string)

	_, body := doJSON(t, s, "POST", "/api/queue/lease", map[string]any{"worker_id": "w-1"})
	task := body["task"].(map[string]any)
	queueID := task["queue_id"].(json.Number).String()

	// 无重试策略：单次失败即死亡，步骤失败传播到执行
	status, res := doJSON(t, s, "POST", "/api/queue/"+queueID+"/fail", map[string]any{"error": "boom"})
	if status != 200 {
		t.Fatalf("fail status = %d", status)
	}
	if res["status"] != string(queue.StatusDead) {
		t.Fatalf("task status after fail = %v, want dead", res["status"])
	}
	_, got := doJSON(t, s, "GET", "/api/executions/"+id, nil)
	if got["status"] != event.StatusFailed {
		t.Fatalf("execution status = %v, want FAILED", got["status"])
	}
}

func TestQueueLeaseEmpty(t *testing.T) {
	s := buildTestServer(t)
	status, body := doJSON(t, s, "POST", "/api/queue/lease", map[string]any{"worker_id": "w-1"})
	if status != 200 {
		t.Fatalf("lease status = %d", status)
	}
	if body["task"] != nil {
		t.Fatalf("empty queue returned task: %v", body["task"])
	}
}

func TestAppendEventValidation(t *testing.T) {
	s := buildTestServer(t)

	status, _ := doJSON(t, s, "POST", "/api/events", map[string]any{"execution_id": 1})
	if status != 400 {
		t.Fatalf("missing event_type status = %d, want 400", status)
	}
	// execution_id 字符串形式同样接受
	status, body := doJSON(t, s, "POST", "/api/events", map[string]any{
		"execution_id": "77001",
		"event_type":   "execution_start",
		"status":       "RUNNING",
	})
	if status != 200 {
		t.Fatalf("append status = %d, body %v", status, body)
	}
	status, list := doJSON(t, s, "GET", "/api/events?execution_id=77001", nil)
	if status != 200 || list["total"].(json.Number).String() != "1" {
		t.Fatalf("list = %d %v", status, list)
	}
	status, _ = doJSON(t, s, "GET", "/api/events", nil)
	if status != 400 {
		t.Fatalf("list without execution_id status = %d, want 400", status)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	s := buildTestServer(t)
	registerTestPlaybook(t, s)

	// 同内容重复注册幂等
	status, body := doJSON(t, s, "POST", "/api/catalog", apiTestPlaybook)
	if status != 200 || body["version"] != "0.1.0" {
		t.Fatalf("re-register = %d %v", status, body)
	}

	status, list := doJSON(t, s, "GET", "/api/catalog", nil)
	if status != 200 || list["total"].(json.Number).String() != "1" {
		t.Fatalf("list = %d %v", status, list)
	}

	status, entry := doJSON(t, s, "GET", "/api/catalog/lookup?path=api/linear&version=latest", nil)
	if status != 200 {
		t.Fatalf("lookup status = %d", status)
	}
	if entry["content"] == "" {
		t.Fatal("lookup content missing")
	}

	status, _ = doJSON(t, s, "GET", "/api/catalog/lookup?path=no/such", nil)
	if status != 404 {
		t.Fatalf("lookup unknown status = %d, want 404", status)
	}
	status, _ = doJSON(t, s, "POST", "/api/catalog", "not: [valid")
	if status != 400 {
		t.Fatalf("invalid register status = %d, want 400", status)
	}
}
