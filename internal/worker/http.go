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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// httpExecutor http 动作：method/url/headers/params/payload/timeout
type httpExecutor struct {
	client *resty.Client
}

// NewHTTPExecutor 创建 http 执行器；网络层重试关闭，重试归 broker 管
func NewHTTPExecutor() Executor {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	return &httpExecutor{client: client}
}

func (e *httpExecutor) Execute(ctx context.Context, action map[string]any) (any, error) {
	url, _ := action["url"].(string)
	if url == "" {
		url, _ = action["endpoint"].(string)
	}
	if url == "" {
		return nil, fmt.Errorf("worker: http action missing url")
	}
	method := strings.ToUpper(stringOr(action["method"], "GET"))

	req := e.client.R().SetContext(ctx)
	if headers, ok := action["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprintf("%v", v))
		}
	}
	if params, ok := action["params"].(map[string]any); ok {
		for k, v := range params {
			req.SetQueryParam(k, fmt.Sprintf("%v", v))
		}
	}
	if timeout, ok := toFloat(action["timeout"]); ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
		req.SetContext(ctx)
	}
	for _, key := range []string{"payload", "data", "body"} {
		if body, ok := action[key]; ok && body != nil {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(body)
			break
		}
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("worker: http %s %s: %w", method, url, err)
	}

	var data any
	body := resp.Body()
	if len(body) > 0 {
		if json.Unmarshal(body, &data) != nil {
			data = string(body)
		}
	}
	out := map[string]any{
		"status_code": resp.StatusCode(),
		"elapsed":     resp.Time().Seconds(),
		"data":        data,
	}
	if resp.StatusCode() >= 400 {
		out["error"] = fmt.Sprintf("http status %d", resp.StatusCode())
		return out, fmt.Errorf("worker: http %s %s: status %d", method, url, resp.StatusCode())
	}
	return out, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
