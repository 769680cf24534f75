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
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// 重试默认参数
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 1.0
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelay          = 60.0
)

// RetryPolicy 步骤重试策略。四种书写形态归一到同一结构：
//   - true  → 默认参数
//   - false → max_attempts=1，单次尝试
//   - 整数  → max_attempts=n
//   - 映射  → 结构化字段
//   - 列表  → Rules（unified when/then，首个 when 命中者生效）
type RetryPolicy struct {
	MaxAttempts       int            `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialDelay      float64        `yaml:"initial_delay" json:"initial_delay,omitempty"`
	BackoffMultiplier float64        `yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	MaxDelay          float64        `yaml:"max_delay" json:"max_delay,omitempty"`
	Jitter            bool           `yaml:"jitter" json:"jitter,omitempty"`
	RetryWhen         string         `yaml:"retry_when" json:"retry_when,omitempty"`
	StopWhen          string         `yaml:"stop_when" json:"stop_when,omitempty"`
	Rules             []RetryRule    `yaml:"-" json:"rules,omitempty"`
	Sink              *Sink          `yaml:"sink" json:"sink,omitempty"`
}

// RetryRule unified when/then 列表的一项
type RetryRule struct {
	When string    `yaml:"when" json:"when"`
	Then RetryThen `yaml:"then" json:"then"`
}

// RetryThen 命中规则后的参数。错误路径提供退避参数；成功路径（分页续跑）提供
// next_call 覆盖与 collect 聚合器，此时 delay 视为 0。
type RetryThen struct {
	MaxAttempts       int            `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialDelay      float64        `yaml:"initial_delay" json:"initial_delay,omitempty"`
	BackoffMultiplier float64        `yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	MaxDelay          float64        `yaml:"max_delay" json:"max_delay,omitempty"`
	Jitter            bool           `yaml:"jitter" json:"jitter,omitempty"`
	NextCall          map[string]any `yaml:"next_call" json:"next_call,omitempty"`
	Collect           *Collect       `yaml:"collect" json:"collect,omitempty"`
	Sink              *Sink          `yaml:"sink" json:"sink,omitempty"`
}

// Collect 续跑聚合器：into 为累积变量名
type Collect struct {
	Into string `yaml:"into" json:"into"`
	Mode string `yaml:"mode" json:"mode,omitempty"` // append（默认）| merge
}

// Continuation then 是否为成功路径续跑（而非错误退避）
func (t *RetryThen) Continuation() bool {
	return t != nil && (len(t.NextCall) > 0 || t.Collect != nil)
}

// UnmarshalYAML 接受 bool / int / mapping / sequence 四种形态
func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		switch value.Tag {
		case "!!bool":
			var b bool
			if err := value.Decode(&b); err != nil {
				return err
			}
			if b {
				*p = RetryPolicy{MaxAttempts: DefaultMaxAttempts}
			} else {
				*p = RetryPolicy{MaxAttempts: 1}
			}
			return nil
		case "!!int":
			var n int
			if err := value.Decode(&n); err != nil {
				return err
			}
			if n < 1 {
				n = 1
			}
			*p = RetryPolicy{MaxAttempts: n}
			return nil
		}
		return fmt.Errorf("playbook: retry 标量只接受 bool 或 int，得到 %s", value.Tag)
	case yaml.SequenceNode:
		var rules []RetryRule
		if err := value.Decode(&rules); err != nil {
			return err
		}
		*p = RetryPolicy{Rules: rules}
		return nil
	case yaml.MappingNode:
		// 别名类型避免递归调用本方法
		type plain RetryPolicy
		var raw plain
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*p = RetryPolicy(raw)
		return nil
	}
	return fmt.Errorf("playbook: 无法解析 retry 策略")
}

// UnmarshalJSON 与 YAML 同语义，供事件/队列载荷反序列化
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case 't':
		*p = RetryPolicy{MaxAttempts: DefaultMaxAttempts}
		return nil
	case 'f':
		*p = RetryPolicy{MaxAttempts: 1}
		return nil
	case '[':
		var rules []RetryRule
		if err := json.Unmarshal(data, &rules); err != nil {
			return err
		}
		*p = RetryPolicy{Rules: rules}
		return nil
	case '{':
		type plain RetryPolicy
		var raw plain
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*p = RetryPolicy(raw)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("playbook: retry 只接受 bool/int/object/list: %w", err)
	}
	if n < 1 {
		n = 1
	}
	*p = RetryPolicy{MaxAttempts: n}
	return nil
}

// Normalized 返回补全默认值的副本；nil 接收者返回 nil（无重试）
func (p *RetryPolicy) Normalized() *RetryPolicy {
	if p == nil {
		return nil
	}
	out := *p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.InitialDelay < 0 {
		out.InitialDelay = 0
	} else if out.InitialDelay == 0 && out.BackoffMultiplier == 0 && len(out.Rules) == 0 {
		// 简写形态（true / 整数）未给退避参数，补默认；显式 initial_delay: 0 会
		// 带着显式 backoff_multiplier，保留 0 以支持立即重试
		out.InitialDelay = DefaultInitialDelay
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	return &out
}
