package playbook

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

const linearDoc = `
metadata:
  path: examples/linear
  version: "1"
workload:
  x: 5
workflow:
  - step: start
    next:
      - step: compute
  - step: compute
    type: python
    code: "return {'value': 42}"
    next:
      - step: end
  - step: end
`

func TestParse_Linear(t *testing.T) {
	pb, err := Parse([]byte(linearDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pb.Path() != "examples/linear" || pb.Version() != "1" {
		t.Errorf("metadata mismatch: path=%q version=%q", pb.Path(), pb.Version())
	}
	start := pb.StepByName("start")
	if start == nil || start.Actionable() {
		t.Fatalf("start should be a router, got %+v", start)
	}
	compute := pb.StepByName("compute")
	if compute == nil || !compute.Actionable() {
		t.Fatalf("compute should be actionable, got %+v", compute)
	}
	if code, _ := compute.Config["code"].(string); code == "" {
		t.Error("inline config lost the code field")
	}
	if got := start.Next[0].Targets(); len(got) != 1 || got[0].Step != "compute" {
		t.Errorf("start transition targets = %+v", got)
	}
}

func TestParse_StartWithTypeIsActionable(t *testing.T) {
	doc := `
workflow:
  - step: start
    type: python
    code: "init()"
    next:
      - step: end
  - step: end
`
	pb, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !pb.StepByName("start").Actionable() {
		t.Error("typed start should be actionable")
	}
	if !pb.StepByName("end").Router() {
		t.Error("untyped end should stay a router")
	}
}

func TestParse_MissingStart(t *testing.T) {
	doc := `
workflow:
  - step: a
    next:
      - step: end
  - step: end
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected validation error for missing start")
	}
}

func TestParse_DanglingTarget(t *testing.T) {
	doc := `
workflow:
  - step: start
    next:
      - step: nowhere
  - step: end
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected validation error for dangling target")
	}
}

func TestParse_WorkbookRef(t *testing.T) {
	doc := `
workbook:
  - name: fetch_user
    type: http
    url: "https://example.com/user"
workflow:
  - step: start
    next:
      - step: call
  - step: call
    type: workbook
    name: fetch_user
    next:
      - step: end
  - step: end
`
	pb, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pb.ActionByName("fetch_user") == nil {
		t.Fatal("workbook action not found")
	}

	bad := `
workflow:
  - step: start
    next:
      - step: call
  - step: call
    type: workbook
    name: missing
    next:
      - step: end
  - step: end
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for unknown workbook ref")
	}
}

func TestTransition_WhenThenElse(t *testing.T) {
	doc := `
workflow:
  - step: start
    next:
      - step: branch
  - step: branch
    type: python
    next:
      - when: "{{ x > 0 }}"
        then:
          - step: pos
      - else:
          - step: neg
  - step: pos
    type: python
  - step: neg
    type: python
  - step: end
`
	pb, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	branch := pb.StepByName("branch")
	if len(branch.Next) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(branch.Next))
	}
	if branch.Next[0].IsElse() {
		t.Error("when entry misread as else")
	}
	if !branch.Next[1].IsElse() {
		t.Error("else entry not recognised")
	}
}

func TestRetryPolicy_YAMLForms(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want func(*RetryPolicy) bool
	}{
		{"bool true", `retry: true`, func(p *RetryPolicy) bool { return p.MaxAttempts == DefaultMaxAttempts }},
		{"bool false", `retry: false`, func(p *RetryPolicy) bool { return p.MaxAttempts == 1 }},
		{"int", `retry: 5`, func(p *RetryPolicy) bool { return p.MaxAttempts == 5 }},
		{"mapping", "retry:\n  max_attempts: 4\n  initial_delay: 0.5\n  jitter: true",
			func(p *RetryPolicy) bool { return p.MaxAttempts == 4 && p.InitialDelay == 0.5 && p.Jitter }},
		{"list", "retry:\n  - when: \"{{ error.status_code == 429 }}\"\n    then:\n      max_attempts: 10",
			func(p *RetryPolicy) bool { return len(p.Rules) == 1 && p.Rules[0].Then.MaxAttempts == 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var holder struct {
				Retry *RetryPolicy `yaml:"retry"`
			}
			if err := yaml.Unmarshal([]byte(tc.doc), &holder); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if holder.Retry == nil || !tc.want(holder.Retry) {
				t.Errorf("policy = %+v", holder.Retry)
			}
		})
	}
}

func TestRetryPolicy_JSONForms(t *testing.T) {
	var p RetryPolicy
	if err := json.Unmarshal([]byte(`3`), &p); err != nil || p.MaxAttempts != 3 {
		t.Errorf("int form: %v %+v", err, p)
	}
	if err := json.Unmarshal([]byte(`false`), &p); err != nil || p.MaxAttempts != 1 {
		t.Errorf("false form: %v %+v", err, p)
	}
	if err := json.Unmarshal([]byte(`{"max_attempts":2,"stop_when":"{{ error.fatal }}"}`), &p); err != nil || p.MaxAttempts != 2 || p.StopWhen == "" {
		t.Errorf("object form: %v %+v", err, p)
	}
	if err := json.Unmarshal([]byte(`[{"when":"{{ result.next }}","then":{"next_call":{"page":2},"collect":{"into":"rows"}}}]`), &p); err != nil {
		t.Fatalf("list form: %v", err)
	}
	if len(p.Rules) != 1 || !p.Rules[0].Then.Continuation() {
		t.Errorf("continuation rule = %+v", p.Rules)
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := (&RetryPolicy{MaxAttempts: 3}).Normalized()
	if p.InitialDelay != DefaultInitialDelay || p.BackoffMultiplier != DefaultBackoffMultiplier || p.MaxDelay != DefaultMaxDelay {
		t.Errorf("defaults not applied: %+v", p)
	}
	// 显式 initial_delay=0 + multiplier=1 保留常数 0 退避
	zero := (&RetryPolicy{MaxAttempts: 3, InitialDelay: 0, BackoffMultiplier: 1}).Normalized()
	if zero.InitialDelay != 0 || zero.BackoffMultiplier != 1 {
		t.Errorf("zero schedule not preserved: %+v", zero)
	}
	var nilPolicy *RetryPolicy
	if nilPolicy.Normalized() != nil {
		t.Error("nil policy should normalize to nil")
	}
}

func TestParse_IteratorStep(t *testing.T) {
	doc := `
workflow:
  - step: start
    next:
      - step: fan
  - step: fan
    type: iterator
    loop:
      in: "{{ workload.cities }}"
      iterator: city
      mode: sequential
    task:
      type: http
      url: "https://example.com/{{ city }}"
    next:
      - step: end
  - step: end
`
	pb, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fan := pb.StepByName("fan")
	if !fan.Loop.Sequential() {
		t.Error("sequential mode lost")
	}
	if fan.Loop.ContinueOnError() {
		t.Error("on_error should default to fail")
	}

	missingTask := `
workflow:
  - step: start
    next:
      - step: fan
  - step: fan
    type: iterator
    loop:
      in: "{{ workload.cities }}"
      iterator: city
  - step: end
`
	if _, err := Parse([]byte(missingTask)); err == nil {
		t.Fatal("expected error for iterator without task")
	}
}
