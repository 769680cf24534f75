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

// Package client 控制面 HTTP API 的 Go 客户端；CLI 与远端 Worker 共用。
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"noetl/internal/queue"
)

// Client noetl server API 客户端
type Client struct {
	http *resty.Client
}

// New 创建客户端；baseURL 如 http://localhost:8082
func New(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

// RunRequest 提交执行的请求体
type RunRequest struct {
	Path     string         `json:"path,omitempty"`
	Version  string         `json:"version,omitempty"`
	Workload map[string]any `json:"workload,omitempty"`
}

// RunResponse 提交执行的应答
type RunResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Path        string `json:"path"`
	Version     string `json:"version"`
}

// ID ExecutionID 的数值形式
func (r *RunResponse) ID() int64 {
	id, _ := strconv.ParseInt(r.ExecutionID, 10, 64)
	return id
}

// Run 提交一次剧本执行
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	var out RunResponse
	resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/api/executions/run")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("client: POST /api/executions/run: %s", resp.String())
	}
	return &out, nil
}

// ExecutionStatus 执行状态视图
type ExecutionStatus struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Result      any    `json:"result,omitempty"`
	Events      int    `json:"events"`
}

// Status 查询执行状态
func (c *Client) Status(ctx context.Context, executionID int64) (*ExecutionStatus, error) {
	var out ExecutionStatus
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).
		Get("/api/executions/" + strconv.FormatInt(executionID, 10))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("client: GET execution %d: %s", executionID, resp.String())
	}
	return &out, nil
}

// Cancel 请求取消执行
func (c *Client) Cancel(ctx context.Context, executionID int64) error {
	resp, err := c.http.R().SetContext(ctx).
		Post("/api/executions/" + strconv.FormatInt(executionID, 10) + "/cancel")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: cancel execution %d: %s", executionID, resp.String())
	}
	return nil
}

// Events 拉取执行的事件流
func (c *Client) Events(ctx context.Context, executionID int64) ([]map[string]any, error) {
	var out struct {
		Events []map[string]any `json:"events"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).
		Get("/api/executions/" + strconv.FormatInt(executionID, 10) + "/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("client: GET events %d: %s", executionID, resp.String())
	}
	return out.Events, nil
}

// Register 注册剧本（YAML 原文）
func (c *Client) Register(ctx context.Context, content []byte) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/x-yaml").
		SetBody(content).SetResult(&out).Post("/api/catalog")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("client: POST /api/catalog: %s", resp.String())
	}
	return out, nil
}

// ListCatalog 列出已注册剧本
func (c *Client) ListCatalog(ctx context.Context) ([]map[string]any, error) {
	var out struct {
		Entries []map[string]any `json:"entries"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/api/catalog")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("client: GET /api/catalog: %s", resp.String())
	}
	return out.Entries, nil
}

// Lease 租用一个任务；无任务返回 nil, nil
func (c *Client) Lease(ctx context.Context, workerID string, leaseSeconds int) (*queue.Task, error) {
	var out struct {
		Task *queue.Task `json:"task"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "lease_seconds": leaseSeconds}).
		SetResult(&out).Post("/api/queue/lease")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("client: POST /api/queue/lease: %s", resp.String())
	}
	return out.Task, nil
}

// Complete 回报任务成功；回报方已不持有租约时返回 queue.ErrNotOwner
func (c *Client) Complete(ctx context.Context, queueID int64, workerID string, result any, meta map[string]any) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "result": result, "metadata": meta}).
		Post("/api/queue/" + strconv.FormatInt(queueID, 10) + "/complete")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusConflict {
		return queue.ErrNotOwner
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: complete task %d: %s", queueID, resp.String())
	}
	return nil
}

// EventRequest 追加事件的请求体
type EventRequest struct {
	ExecutionID int64          `json:"execution_id"`
	Type        string         `json:"event_type"`
	Status      string         `json:"status,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	NodeType    string         `json:"node_type,omitempty"`
	Result      any            `json:"result,omitempty"`
	Meta        map[string]any `json:"metadata,omitempty"`
}

// AppendEvent 追加一条事件；worker 的 action_started 走这里
func (c *Client) AppendEvent(ctx context.Context, req EventRequest) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/api/events")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: POST /api/events: %s", resp.String())
	}
	return nil
}

// Fail 回报任务失败；重试与死信由 broker 决定
func (c *Client) Fail(ctx context.Context, queueID int64, errMsg string, result any, meta map[string]any) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"error": errMsg, "result": result, "metadata": meta}).
		Post("/api/queue/" + strconv.FormatInt(queueID, 10) + "/fail")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: fail task %d: %s", queueID, resp.String())
	}
	return nil
}

// Heartbeat 续约；失去所有权返回 queue.ErrLeaseLost
func (c *Client) Heartbeat(ctx context.Context, queueID int64, workerID string, leaseSeconds int) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "lease_seconds": leaseSeconds}).
		Post("/api/queue/" + strconv.FormatInt(queueID, 10) + "/heartbeat")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusConflict {
		return queue.ErrLeaseLost
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: heartbeat task %d: %s", queueID, resp.String())
	}
	return nil
}

// Health 服务健康检查
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("client: health: %s", resp.String())
	}
	return nil
}
