package render

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"noetl/internal/event"
)

// 基础上下文的保留键，步骤结果不得覆盖
var reservedKeys = map[string]bool{
	"workload":     true,
	"execution_id": true,
	"job":          true,
	"env":          true,
}

// BaseContext 组装执行级渲染上下文：workload、按节点名展开的步骤结果、
// execution_id、每次渲染新鲜的 job.uuid、环境变量快照。
// 步骤结果先经 UnwrapResult 剥掉 {status, data} 包装。
func BaseContext(executionID int64, workload map[string]any, results map[string]any) map[string]any {
	ctx := map[string]any{
		"workload":     workload,
		"execution_id": strconv.FormatInt(executionID, 10),
		"job":          map[string]any{"uuid": uuid.New().String()},
		"env":          envSnapshot(),
	}
	if workload == nil {
		ctx["workload"] = map[string]any{}
	}
	for name, result := range results {
		if reservedKeys[name] {
			continue
		}
		ctx[name] = event.UnwrapResult(result)
	}
	return ctx
}

// WithScope 在基础上下文上叠加局部变量（迭代元素、重试上下文等），
// 返回新映射，不改原上下文
func WithScope(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func envSnapshot() map[string]any {
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
