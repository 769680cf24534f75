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

package playbook

import (
	"errors"
	"fmt"
)

// ErrInvalid 结构校验失败；提交前拦截，绝不产生 execution_start
var ErrInvalid = errors.New("playbook: invalid document")

// Validate 结构校验：start/end 存在、步骤名唯一、next 目标与 workbook 引用可解析、
// loop 与 iterator 配置完整
func (p *Playbook) Validate() error {
	if len(p.Workflow) == 0 {
		return fmt.Errorf("%w: workflow 为空", ErrInvalid)
	}
	names := make(map[string]bool, len(p.Workflow))
	for i := range p.Workflow {
		s := &p.Workflow[i]
		if s.Name == "" {
			return fmt.Errorf("%w: 第 %d 个步骤缺少 step 名称", ErrInvalid, i)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: 步骤名重复 %q", ErrInvalid, s.Name)
		}
		names[s.Name] = true
	}
	if !names[StartStep] {
		return fmt.Errorf("%w: 缺少 start 步骤", ErrInvalid)
	}
	if !names[EndStep] {
		return fmt.Errorf("%w: 缺少 end 步骤", ErrInvalid)
	}

	for i := range p.Workflow {
		s := &p.Workflow[i]
		for _, tr := range s.Next {
			for _, tg := range tr.Targets() {
				if tg.Step == "" {
					return fmt.Errorf("%w: 步骤 %q 的转移缺少目标", ErrInvalid, s.Name)
				}
				if !names[tg.Step] {
					return fmt.Errorf("%w: 步骤 %q 指向不存在的 %q", ErrInvalid, s.Name, tg.Step)
				}
			}
			for _, tg := range tr.Else {
				if !names[tg.Step] {
					return fmt.Errorf("%w: 步骤 %q 的 else 指向不存在的 %q", ErrInvalid, s.Name, tg.Step)
				}
			}
		}
		if s.Type == TypeWorkbook {
			name, _ := s.Config["name"].(string)
			if name == "" {
				return fmt.Errorf("%w: 步骤 %q 类型 workbook 缺少 name", ErrInvalid, s.Name)
			}
			if p.ActionByName(name) == nil {
				return fmt.Errorf("%w: 步骤 %q 引用不存在的 workbook 动作 %q", ErrInvalid, s.Name, name)
			}
		}
		if s.Type == TypePlaybook {
			if path, _ := s.Config["path"].(string); path == "" {
				return fmt.Errorf("%w: 步骤 %q 类型 playbook 缺少 path", ErrInvalid, s.Name)
			}
		}
		if s.Type == TypeIterator {
			if s.Loop == nil {
				return fmt.Errorf("%w: 步骤 %q 类型 iterator 缺少 loop", ErrInvalid, s.Name)
			}
			task, _ := s.Config["task"].(map[string]any)
			if task == nil {
				return fmt.Errorf("%w: 步骤 %q 类型 iterator 缺少 task 子动作", ErrInvalid, s.Name)
			}
			if tt, _ := task["type"].(string); tt == "" {
				return fmt.Errorf("%w: 步骤 %q 的 iterator task 缺少 type", ErrInvalid, s.Name)
			}
		}
		if s.Loop != nil {
			if s.Loop.In == "" {
				return fmt.Errorf("%w: 步骤 %q 的 loop 缺少 in", ErrInvalid, s.Name)
			}
			if s.Loop.Iterator == "" {
				return fmt.Errorf("%w: 步骤 %q 的 loop 缺少 iterator", ErrInvalid, s.Name)
			}
			if m := s.Loop.Mode; m != "" && m != ModeAsync && m != ModeSequential {
				return fmt.Errorf("%w: 步骤 %q 的 loop.mode 非法 %q", ErrInvalid, s.Name, m)
			}
			if !s.Actionable() {
				return fmt.Errorf("%w: 步骤 %q 声明 loop 但不是 actionable 类型", ErrInvalid, s.Name)
			}
		}
		if s.Sink != nil && s.Sink.Type == "" {
			return fmt.Errorf("%w: 步骤 %q 的 sink 缺少 type", ErrInvalid, s.Name)
		}
	}
	return nil
}
