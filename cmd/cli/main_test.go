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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseWorkload(t *testing.T) {
	w, err := parseWorkload([]string{"name=alice", "count=3", "flag=true", `items=["a","b"]`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w["name"] != "alice" {
		t.Fatalf("name = %v", w["name"])
	}
	if w["count"] != float64(3) {
		t.Fatalf("count = %v", w["count"])
	}
	if w["flag"] != true {
		t.Fatalf("flag = %v", w["flag"])
	}
	if items := w["items"].([]any); len(items) != 2 {
		t.Fatalf("items = %v", items)
	}

	if _, err := parseWorkload([]string{"novalue"}); err == nil {
		t.Fatal("want error for malformed pair")
	}
	w, err = parseWorkload(nil)
	if err != nil || w != nil {
		t.Fatalf("empty args: %v %v", w, err)
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{"COMPLETED", "FAILED", "CANCELLED"} {
		if !isTerminalStatus(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if isTerminalStatus("RUNNING") {
		t.Fatal("RUNNING is not terminal")
	}
}

func TestSubmitRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/executions/run" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["path"] != "examples/weather" {
			t.Errorf("path = %v", body["path"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"execution_id": "123456789", "status": "RUNNING", "path": "examples/weather"}`)
	}))
	defer srv.Close()
	t.Setenv("NOETL_API_URL", srv.URL)

	res, err := submitRun("examples/weather", map[string]any{"city": "Oslo"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ID() != 123456789 {
		t.Fatalf("id = %d", res.ID())
	}
	if res.Status != "RUNNING" {
		t.Fatalf("status = %s", res.Status)
	}
}
