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

// Package playbook 定义声明式工作流文档：workload 默认值、workbook 可复用动作、
// workflow 步骤图。文档不可变，broker 只读取不修改。
package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// 动作类型；未列出的类型由 worker 的执行器注册表决定是否支持
const (
	TypeHTTP     = "http"
	TypePython   = "python"
	TypePostgres = "postgres"
	TypeDuckDB   = "duckdb"
	TypeSecrets  = "secrets"
	TypeWorkbook = "workbook"
	TypePlaybook = "playbook"
	TypeIterator = "iterator"
	TypeStart    = "start"
	TypeEnd      = "end"
	TypeRoute    = "route"
)

// StartStep / EndStep 约定步骤名
const (
	StartStep = "start"
	EndStep   = "end"
)

// Playbook 声明式工作流文档
type Playbook struct {
	Metadata map[string]any `yaml:"metadata" json:"metadata,omitempty"`
	Workload map[string]any `yaml:"workload" json:"workload,omitempty"`
	Workbook []Action       `yaml:"workbook" json:"workbook,omitempty"`
	Workflow []Step         `yaml:"workflow" json:"workflow"`
}

// Action workbook 中的可复用动作定义
type Action struct {
	Name   string         `yaml:"name" json:"name"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:",inline" json:"config,omitempty"`
}

// Step 工作流节点。Type 为空或 start/end/route 时是 router，broker 只评估 next；
// 其余类型是 actionable，broker 渲染输入并入队等待 worker 回报。
type Step struct {
	Name   string         `yaml:"step" json:"step"`
	Desc   string         `yaml:"desc" json:"desc,omitempty"`
	Type   string         `yaml:"type" json:"type,omitempty"`
	Retry  *RetryPolicy   `yaml:"retry" json:"retry,omitempty"`
	Sink   *Sink          `yaml:"sink" json:"sink,omitempty"`
	Loop   *Loop          `yaml:"loop" json:"loop,omitempty"`
	Next   []Transition   `yaml:"next" json:"next,omitempty"`
	Config map[string]any `yaml:",inline" json:"config,omitempty"`
}

// Actionable 是否需要入队执行
func (s *Step) Actionable() bool {
	switch s.Type {
	case "", TypeStart, TypeEnd, TypeRoute:
		return false
	}
	return true
}

// Router start/end 未声明真实类型时保持 router 语义
func (s *Step) Router() bool { return !s.Actionable() }

// Transition next 列表中的一条转移规则。三种形态：
//   - {step: x, args: {...}, when: "..."} 直接形态
//   - {when: "...", then: [{step: x}, ...]} 条件 + 目标列表
//   - {else: [{step: y}]} 此前所有 when 均未命中时生效
type Transition struct {
	When string         `yaml:"when" json:"when,omitempty"`
	Then []Target       `yaml:"then" json:"then,omitempty"`
	Else []Target       `yaml:"else" json:"else,omitempty"`
	Step string         `yaml:"step" json:"step,omitempty"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`
}

// Target 转移目标：后继步骤名 + 可选 args 覆盖
type Target struct {
	Step string         `yaml:"step" json:"step"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`
}

// IsElse 该条目是否为 else 分支
func (t *Transition) IsElse() bool {
	return len(t.Else) > 0 && t.When == "" && t.Step == "" && len(t.Then) == 0
}

// Targets 归一化直接形态与 then 列表
func (t *Transition) Targets() []Target {
	if t.Step != "" {
		return []Target{{Step: t.Step, Args: t.Args}}
	}
	return t.Then
}

// 迭代模式
const (
	ModeAsync      = "async"
	ModeSequential = "sequential"
)

// Loop 迭代描述：in 为产出集合的模板表达式，iterator 为元素别名
type Loop struct {
	In       string `yaml:"in" json:"in"`
	Iterator string `yaml:"iterator" json:"iterator"`
	Mode     string `yaml:"mode" json:"mode,omitempty"`         // async | sequential，默认 async
	OnError  string `yaml:"on_error" json:"on_error,omitempty"` // continue | fail，默认 fail
}

// ContinueOnError 子单元失败时是否聚合部分结果继续
func (l *Loop) ContinueOnError() bool { return l != nil && l.OnError == "continue" }

// Sequential 是否顺序执行
func (l *Loop) Sequential() bool { return l != nil && l.Mode == ModeSequential }

// Sink 步骤或策略完成后的二次动作；失败会使所属步骤失败
type Sink struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:",inline" json:"config,omitempty"`
}

// Parse 解析 YAML 播放书并做结构校验
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("%w: 解析失败: %v", ErrInvalid, err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// StepByName 按名称查找步骤；不存在返回 nil
func (p *Playbook) StepByName(name string) *Step {
	for i := range p.Workflow {
		if p.Workflow[i].Name == name {
			return &p.Workflow[i]
		}
	}
	return nil
}

// ActionByName 按名称查找 workbook 动作；不存在返回 nil
func (p *Playbook) ActionByName(name string) *Action {
	for i := range p.Workbook {
		if p.Workbook[i].Name == name {
			return &p.Workbook[i]
		}
	}
	return nil
}

// Path 来自 metadata.path；注册与查找用
func (p *Playbook) Path() string {
	if p.Metadata == nil {
		return ""
	}
	if s, ok := p.Metadata["path"].(string); ok {
		return s
	}
	return ""
}

// Version 来自 metadata.version；空则按 "latest" 处理
func (p *Playbook) Version() string {
	if p.Metadata == nil {
		return ""
	}
	switch v := p.Metadata["version"].(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	}
	return ""
}
