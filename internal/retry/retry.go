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

// Package retry 重试决策：失败路径给 (是否重试, 延迟)，成功路径给分页续跑。
// attempts 口径：入参是已经发生的尝试次数（含刚失败的这一次），与队列
// lease 时递增的计数一致。
package retry

import (
	"math"
	"math/rand"
	"time"

	"noetl/internal/playbook"
	"noetl/internal/render"
)

// Decision 评估结果。Retry 为真时 Delay 是下次尝试前的等待；
// NextCall/Collect 非空时是成功路径续跑（Delay 恒为 0）。
type Decision struct {
	Retry    bool
	Delay    time.Duration
	NextCall map[string]any
	Collect  *playbook.Collect
	Sink     *playbook.Sink
}

// Evaluator 依赖渲染器求值 when 表达式；jitter 用注入的随机源，便于测试
type Evaluator struct {
	renderer *render.Renderer
	rng      *rand.Rand
}

// NewEvaluator 创建评估器；rng 为 nil 时使用时间种子
func NewEvaluator(renderer *render.Renderer, rng *rand.Rand) *Evaluator {
	if renderer == nil {
		renderer = render.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Evaluator{renderer: renderer, rng: rng}
}

// EvaluateFailure 失败后的重试决策。ctx 含 error / result / attempt 等键。
// attemptsMade 是已发生的尝试次数；attemptsMade ≥ max_attempts 时不再重试。
func (e *Evaluator) EvaluateFailure(policy *playbook.RetryPolicy, ctx map[string]any, attemptsMade int) (Decision, error) {
	if policy == nil {
		return Decision{}, nil
	}
	p := policy.Normalized()

	if len(p.Rules) > 0 {
		return e.evaluateRules(p, ctx, attemptsMade)
	}
	if p.StopWhen != "" {
		stop, err := e.truthy(p.StopWhen, ctx)
		if err != nil {
			return Decision{}, err
		}
		if stop {
			return Decision{Sink: p.Sink}, nil
		}
	}
	if p.RetryWhen != "" {
		ok, err := e.truthy(p.RetryWhen, ctx)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Sink: p.Sink}, nil
		}
	}
	if attemptsMade >= p.MaxAttempts {
		return Decision{Sink: p.Sink}, nil
	}
	return Decision{
		Retry: true,
		Delay: e.backoff(p.InitialDelay, p.BackoffMultiplier, p.MaxDelay, p.Jitter, attemptsMade),
		Sink:  p.Sink,
	}, nil
}

// EvaluateSuccess 成功后的续跑决策：只考察 unified 列表里的续跑规则
// （then 带 next_call / collect）。首个命中者生效；无命中则正常完成。
func (e *Evaluator) EvaluateSuccess(policy *playbook.RetryPolicy, ctx map[string]any) (Decision, error) {
	if policy == nil || len(policy.Rules) == 0 {
		return Decision{}, nil
	}
	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if !rule.Then.Continuation() {
			continue
		}
		ok, err := e.truthy(rule.When, ctx)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{
				Retry:    true,
				NextCall: rule.Then.NextCall,
				Collect:  rule.Then.Collect,
				Sink:     rule.Then.Sink,
			}, nil
		}
	}
	return Decision{}, nil
}

// evaluateRules unified when/then 列表：首个命中的规则决定一切。
// 续跑规则在失败路径同样可命中（按错误上下文写的 when）。
func (e *Evaluator) evaluateRules(p *playbook.RetryPolicy, ctx map[string]any, attemptsMade int) (Decision, error) {
	for i := range p.Rules {
		rule := &p.Rules[i]
		ok, err := e.truthy(rule.When, ctx)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}
		then := &rule.Then
		if then.Continuation() {
			return Decision{
				Retry:    true,
				NextCall: then.NextCall,
				Collect:  then.Collect,
				Sink:     then.Sink,
			}, nil
		}
		maxAttempts := then.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = p.MaxAttempts
		}
		if attemptsMade >= maxAttempts {
			return Decision{Sink: firstSink(then.Sink, p.Sink)}, nil
		}
		initial := then.InitialDelay
		multiplier := then.BackoffMultiplier
		maxDelay := then.MaxDelay
		if initial == 0 && multiplier == 0 {
			initial = playbook.DefaultInitialDelay
		}
		if multiplier <= 0 {
			multiplier = playbook.DefaultBackoffMultiplier
		}
		if maxDelay <= 0 {
			maxDelay = playbook.DefaultMaxDelay
		}
		return Decision{
			Retry: true,
			Delay: e.backoff(initial, multiplier, maxDelay, then.Jitter || p.Jitter, attemptsMade),
			Sink:  firstSink(then.Sink, p.Sink),
		}, nil
	}
	// 无规则命中：不重试
	return Decision{Sink: p.Sink}, nil
}

// backoff min(max_delay, initial × multiplier^(attempts-1))，可选 jitter ×U[0.5,1.5]
func (e *Evaluator) backoff(initial, multiplier, maxDelay float64, jitter bool, attemptsMade int) time.Duration {
	exp := attemptsMade - 1
	if exp < 0 {
		exp = 0
	}
	delay := initial * math.Pow(multiplier, float64(exp))
	if delay > maxDelay {
		delay = maxDelay
	}
	if jitter {
		delay *= 0.5 + e.rng.Float64()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}

func (e *Evaluator) truthy(expr string, ctx map[string]any) (bool, error) {
	v, err := e.renderer.RenderValue(expr, ctx, render.ModePermissive)
	if err != nil {
		return false, err
	}
	return render.Truthy(v), nil
}

func firstSink(sinks ...*playbook.Sink) *playbook.Sink {
	for _, s := range sinks {
		if s != nil {
			return s
		}
	}
	return nil
}
