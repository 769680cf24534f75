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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"noetl/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("noetl cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/api")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: noetl server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/worker")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: noetl worker start\n")
			os.Exit(1)
		}
	case "register":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: noetl register <playbook.yaml>\n")
			os.Exit(1)
		}
		runRegister(args[0])
	case "catalog":
		runCatalog()
	case "run":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: noetl run <path> [key=value ...]\n")
			os.Exit(1)
		}
		runRun(args[0], args[1:])
	case "status":
		runStatus(mustExecutionID(args))
	case "events":
		runEvents(mustExecutionID(args))
	case "watch":
		runWatch(mustExecutionID(args))
	case "cancel":
		runCancel(mustExecutionID(args))
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: noetl <command> [args]")
	fmt.Println("  version               - 显示版本")
	fmt.Println("  health                - 服务健康检查")
	fmt.Println("  config                - 显示配置概要")
	fmt.Println("  server start          - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start          - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  register <file>       - 注册剧本 YAML 到 catalog")
	fmt.Println("  catalog               - 列出已注册剧本")
	fmt.Println("  run <path> [k=v ...]  - 按 path 提交执行，k=v 合入 workload")
	fmt.Println("  status <id>           - 查询执行状态")
	fmt.Println("  events <id>           - 输出执行事件流")
	fmt.Println("  watch <id>            - 轮询执行直到终态")
	fmt.Println("  cancel <id>           - 请求取消执行")
}

func mustExecutionID(args []string) int64 {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "需要 execution_id 参数\n")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "非法 execution_id: %s\n", args[0])
		os.Exit(1)
	}
	return id
}

func runHealth() {
	if err := apiClient().Health(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.host=%s\n", cfg.API.Host)
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("eventlog.type=%s\n", cfg.EventLog.Type)
	fmt.Printf("queue.type=%s\n", cfg.Queue.Type)
}

func runProcess(pkg string) {
	c := exec.Command("go", "run", pkg)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", pkg, err)
		os.Exit(1)
	}
}

func runRegister(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取剧本失败: %v\n", err)
		os.Exit(1)
	}
	entry, err := apiClient().Register(context.Background(), content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "注册失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(entry))
}

func runCatalog() {
	entries, err := apiClient().ListCatalog(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出剧本失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(entries))
}

func runRun(path string, args []string) {
	workload, err := parseWorkload(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	res, err := submitRun(path, workload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(res.ExecutionID)
}

// parseWorkload k=v 参数合成 workload；值先按 JSON 解析，失败按字符串
func parseWorkload(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	workload := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("参数须为 key=value 形式: %s", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		workload[key] = v
	}
	return workload, nil
}

func runStatus(id int64) {
	status, err := apiClient().Status(context.Background(), id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(status))
}

func runEvents(id int64) {
	events, err := apiClient().Events(context.Background(), id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取事件流失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(events))
}

func runWatch(id int64) {
	for {
		status, err := apiClient().Status(context.Background(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  status: %s\n", status.Status)
		if isTerminalStatus(status.Status) {
			fmt.Println(prettyJSON(status))
			return
		}
		time.Sleep(time.Second)
	}
}

func isTerminalStatus(s string) bool {
	return s == "COMPLETED" || s == "FAILED" || s == "CANCELLED"
}

func runCancel(id int64) {
	if err := apiClient().Cancel(context.Background(), id); err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cancel requested")
}
