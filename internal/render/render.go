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

// Package render 模板渲染：剧本里的 {{ ... }} 表达式在 broker 与 worker
// 两侧按同一套规则展开。单表达式模板返回原生类型（列表/映射/数字），
// 混合文本模板返回字符串。
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// Mode 未定义变量的处理策略
type Mode int

const (
	// ModeStrict 未定义变量视为错误（执行级渲染，任何缺失都是 bug）
	ModeStrict Mode = iota
	// ModeKeep 含未定义变量的模板原样保留，留给 worker 端二次渲染（task 块）
	ModeKeep
	// ModePermissive 未定义变量渲染为空串（work/日志类渲染）
	ModePermissive
)

// UndefinedError 严格模式下引用了上下文中不存在的变量
type UndefinedError struct {
	Variable string
	Template string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("render: undefined variable %q in template %q", e.Variable, e.Template)
}

// Renderer 无状态渲染器；可并发使用
type Renderer struct {
	set *pongo2.TemplateSet
}

// New 创建渲染器并注册内置过滤器
func New() *Renderer {
	set := pongo2.NewSet("noetl", pongo2.DefaultLoader)
	registerFilters()
	return &Renderer{set: set}
}

// HasTemplate 字符串是否含模板标记
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// RenderString 渲染字符串模板。无模板标记时原样返回。
func (r *Renderer) RenderString(tpl string, ctx map[string]any, mode Mode) (string, error) {
	v, err := r.RenderValue(tpl, ctx, mode)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// RenderValue 递归渲染任意值：字符串按模板展开，映射与切片逐元素处理,
// 其余类型原样返回。单表达式字符串返回表达式的原生求值结果。
func (r *Renderer) RenderValue(v any, ctx map[string]any, mode Mode) (any, error) {
	switch val := v.(type) {
	case string:
		return r.renderScalar(val, ctx, mode)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.RenderValue(item, ctx, mode)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(item, ctx, mode)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap RenderValue 的映射便捷形式
func (r *Renderer) RenderMap(m map[string]any, ctx map[string]any, mode Mode) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := r.RenderValue(m, ctx, mode)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (r *Renderer) renderScalar(tpl string, ctx map[string]any, mode Mode) (any, error) {
	if !HasTemplate(tpl) {
		return tpl, nil
	}
	if missing := firstUndefined(tpl, ctx); missing != "" {
		switch mode {
		case ModeStrict:
			return nil, &UndefinedError{Variable: missing, Template: tpl}
		case ModeKeep:
			return tpl, nil
		}
		// ModePermissive：继续渲染，缺失变量展开为空
	}
	if inner, ok := singleExpression(tpl); ok {
		if v, ok, err := r.evalExpression(inner, ctx); err != nil {
			return nil, fmt.Errorf("render %q: %w", tpl, err)
		} else if ok {
			return v, nil
		}
	}
	t, err := r.set.FromString(tpl)
	if err != nil {
		return nil, fmt.Errorf("render %q: %w", tpl, err)
	}
	out, err := t.Execute(pongo2.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("render %q: %w", tpl, err)
	}
	return out, nil
}

// evalExpression 求值单个表达式并保留原生类型：借 tojson 过滤器走
// JSON 往返。表达式自身已带 tojson 或求值失败时回退到字符串渲染。
func (r *Renderer) evalExpression(expr string, ctx map[string]any) (any, bool, error) {
	if strings.Contains(expr, "tojson") {
		return nil, false, nil
	}
	t, err := r.set.FromString("{{ " + expr + " | tojson }}")
	if err != nil {
		return nil, false, nil // 包装后语法不成立，按普通模板处理
	}
	out, err := t.Execute(pongo2.Context(ctx))
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, false, nil
	}
	return v, true, nil
}

// singleExpression 模板是否恰为一个 {{ ... }} 表达式（无混合文本）
func singleExpression(tpl string) (string, bool) {
	s := strings.TrimSpace(tpl)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") || strings.Contains(inner, "{%") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}
