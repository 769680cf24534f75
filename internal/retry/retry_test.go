package retry

import (
	"math/rand"
	"testing"
	"time"

	"noetl/internal/playbook"
)

func newEval() *Evaluator {
	return NewEvaluator(nil, rand.New(rand.NewSource(1)))
}

func TestEvaluateFailure_NilPolicyNeverRetries(t *testing.T) {
	d, err := newEval().EvaluateFailure(nil, nil, 1)
	if err != nil {
		t.Fatalf("EvaluateFailure: %v", err)
	}
	if d.Retry {
		t.Error("nil policy must not retry")
	}
}

func TestEvaluateFailure_AttemptBudget(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{MaxAttempts: 3}
	// 第 1、2 次失败后还能重试，第 3 次后不能
	for attempts := 1; attempts <= 2; attempts++ {
		d, err := e.EvaluateFailure(policy, nil, attempts)
		if err != nil {
			t.Fatalf("EvaluateFailure: %v", err)
		}
		if !d.Retry {
			t.Errorf("attempts=%d should retry", attempts)
		}
	}
	d, _ := e.EvaluateFailure(policy, nil, 3)
	if d.Retry {
		t.Error("attempts=max_attempts must not retry")
	}
}

func TestEvaluateFailure_SingleAttemptNeverRetries(t *testing.T) {
	d, _ := newEval().EvaluateFailure(&playbook.RetryPolicy{MaxAttempts: 1}, nil, 1)
	if d.Retry {
		t.Error("max_attempts=1 must never retry")
	}
}

func TestEvaluateFailure_BackoffSchedule(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{
		MaxAttempts:       10,
		InitialDelay:      1,
		BackoffMultiplier: 2,
		MaxDelay:          5,
	}
	want := []time.Duration{
		1 * time.Second, // attempts=1: 1×2^0
		2 * time.Second, // attempts=2: 1×2^1
		4 * time.Second,
		5 * time.Second, // 封顶 max_delay
		5 * time.Second,
	}
	for i, w := range want {
		d, err := e.EvaluateFailure(policy, nil, i+1)
		if err != nil {
			t.Fatalf("EvaluateFailure: %v", err)
		}
		if d.Delay != w {
			t.Errorf("attempts=%d delay = %v, want %v", i+1, d.Delay, w)
		}
	}
}

func TestEvaluateFailure_ZeroDelaySchedule(t *testing.T) {
	// 显式 initial_delay: 0 + backoff_multiplier：立即重试
	policy := &playbook.RetryPolicy{MaxAttempts: 3, InitialDelay: 0, BackoffMultiplier: 2}
	d, _ := newEval().EvaluateFailure(policy, nil, 1)
	if !d.Retry || d.Delay != 0 {
		t.Errorf("decision = %+v, want immediate retry", d)
	}
}

func TestEvaluateFailure_JitterWithinBand(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      4,
		BackoffMultiplier: 1,
		MaxDelay:          60,
		Jitter:            true,
	}
	for i := 0; i < 50; i++ {
		d, _ := e.EvaluateFailure(policy, nil, 1)
		if d.Delay < 2*time.Second || d.Delay > 6*time.Second {
			t.Fatalf("jittered delay %v outside [2s, 6s]", d.Delay)
		}
	}
}

func TestEvaluateFailure_StopWhen(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{MaxAttempts: 5, StopWhen: "{{ error.status == 404 }}"}
	ctx := map[string]any{"error": map[string]any{"status": 404}}
	d, err := e.EvaluateFailure(policy, ctx, 1)
	if err != nil {
		t.Fatalf("EvaluateFailure: %v", err)
	}
	if d.Retry {
		t.Error("stop_when hit must not retry")
	}
	ctx["error"] = map[string]any{"status": 500}
	d, _ = e.EvaluateFailure(policy, ctx, 1)
	if !d.Retry {
		t.Error("stop_when miss should retry")
	}
}

func TestEvaluateFailure_RetryWhen(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{MaxAttempts: 5, RetryWhen: "{{ error.status >= 500 }}"}
	d, _ := e.EvaluateFailure(policy, map[string]any{"error": map[string]any{"status": 503}}, 1)
	if !d.Retry {
		t.Error("retry_when hit should retry")
	}
	d, _ = e.EvaluateFailure(policy, map[string]any{"error": map[string]any{"status": 400}}, 1)
	if d.Retry {
		t.Error("retry_when miss must not retry")
	}
}

func TestEvaluateFailure_UnifiedRulesFirstMatchWins(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{
		Rules: []playbook.RetryRule{
			{When: "{{ error.status == 429 }}", Then: playbook.RetryThen{MaxAttempts: 5, InitialDelay: 10, BackoffMultiplier: 1, MaxDelay: 60}},
			{When: "{{ error.status >= 500 }}", Then: playbook.RetryThen{MaxAttempts: 3, InitialDelay: 1, BackoffMultiplier: 2, MaxDelay: 60}},
		},
	}
	d, err := e.EvaluateFailure(policy, map[string]any{"error": map[string]any{"status": 429}}, 1)
	if err != nil {
		t.Fatalf("EvaluateFailure: %v", err)
	}
	if !d.Retry || d.Delay != 10*time.Second {
		t.Errorf("429 rule should win: %+v", d)
	}
	d, _ = e.EvaluateFailure(policy, map[string]any{"error": map[string]any{"status": 502}}, 1)
	if !d.Retry || d.Delay != 1*time.Second {
		t.Errorf("500 rule should win: %+v", d)
	}
	// 无规则命中：不重试
	d, _ = e.EvaluateFailure(policy, map[string]any{"error": map[string]any{"status": 400}}, 1)
	if d.Retry {
		t.Errorf("no rule matched, must not retry: %+v", d)
	}
}

func TestEvaluateFailure_RuleAttemptBudget(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{
		Rules: []playbook.RetryRule{
			{When: "true", Then: playbook.RetryThen{MaxAttempts: 2, InitialDelay: 1, BackoffMultiplier: 1, MaxDelay: 5}},
		},
	}
	d, _ := e.EvaluateFailure(policy, nil, 1)
	if !d.Retry {
		t.Error("attempts=1 < max 2, should retry")
	}
	d, _ = e.EvaluateFailure(policy, nil, 2)
	if d.Retry {
		t.Error("attempts=2 = max, must not retry")
	}
}

func TestEvaluateSuccess_Continuation(t *testing.T) {
	e := newEval()
	policy := &playbook.RetryPolicy{
		Rules: []playbook.RetryRule{
			{
				When: "{{ result.next_page }}",
				Then: playbook.RetryThen{
					NextCall: map[string]any{"page": "{{ result.next_page }}"},
					Collect:  &playbook.Collect{Into: "pages", Mode: "append"},
				},
			},
		},
	}
	d, err := e.EvaluateSuccess(policy, map[string]any{"result": map[string]any{"next_page": 2}})
	if err != nil {
		t.Fatalf("EvaluateSuccess: %v", err)
	}
	if !d.Retry || d.NextCall == nil || d.Collect == nil || d.Collect.Into != "pages" {
		t.Errorf("decision = %+v", d)
	}
	if d.Delay != 0 {
		t.Errorf("continuation delay must be 0, got %v", d.Delay)
	}
	// 末页：不续跑
	d, _ = e.EvaluateSuccess(policy, map[string]any{"result": map[string]any{"next_page": nil}})
	if d.Retry {
		t.Errorf("exhausted pagination must complete: %+v", d)
	}
}

func TestEvaluateSuccess_PlainPolicyNoContinuation(t *testing.T) {
	d, err := newEval().EvaluateSuccess(&playbook.RetryPolicy{MaxAttempts: 3}, nil)
	if err != nil {
		t.Fatalf("EvaluateSuccess: %v", err)
	}
	if d.Retry {
		t.Error("plain policy has no success-path continuation")
	}
}
