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

package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"noetl/internal/event"
)

// 节点 ID 命名：{execution_id}-{step}，迭代子单元加 -iter-{i}，sink 加 -sink
func nodeID(executionID int64, step string) string {
	return fmt.Sprintf("%d-%s", executionID, step)
}

func iterNodeID(executionID int64, step string, index int) string {
	return fmt.Sprintf("%d-%s-iter-%d", executionID, step, index)
}

func sinkNodeID(executionID int64, step string) string {
	return fmt.Sprintf("%d-%s-sink", executionID, step)
}

// parentRef 子执行回指父执行；来自 execution_start 的 metadata
type parentRef struct {
	ExecutionID int64
	Step        string
	NodeID      string // 子执行结果回报到父执行的哪个节点
	EventID     int64
	Index       int
}

// nodeState 单个队列节点（步骤动作、迭代子单元或 sink）的动作级计数
type nodeState struct {
	started   int
	done      bool
	result    any
	errors    int
	retries   int
	lastError any
}

// stepState 折叠出的单步状态
type stepState struct {
	started   bool
	completed bool
	failed    bool
	result    any

	iteratorStarted bool
	loopStarted     bool
	loopItems       []any
	loopExpected    int
	loopCompleted   bool
	loopResult      any
	iterStarted     map[int]bool
	iterStartedID   map[int]int64 // iteration_started 事件 ID，作子执行 parent_event_id
	iterCompleted   map[int]any   // 已记 iteration_completed 的结果
	iterFailed      map[int]any

	saveStarted      bool
	saveCompleted    bool // save_completed 事件已追加
	saveFailed       bool // save_failed 事件已追加
	saveResult       any
	sinkActionDone   bool // sink 任务有 action_completed 回报
	sinkActionFailed bool // sink 任务有 action_error 回报
}

func newStepState() *stepState {
	return &stepState{
		iterStarted:   make(map[int]bool),
		iterStartedID: make(map[int]int64),
		iterCompleted: make(map[int]any),
		iterFailed:    make(map[int]any),
	}
}

// execState 一次执行的折叠状态；每次评估从事件流全量重建
type execState struct {
	executionID int64
	started     bool
	cancelled   bool
	completed   bool
	failed      bool
	finalStatus string
	finalResult any
	catalogID   string
	startTime   time.Time
	workload    map[string]any
	parent      *parentRef
	childPosted map[int64]bool // 父执行侧：已收到回报的子执行
	steps       map[string]*stepState
	nodes       map[string]*nodeState
	lastResult  any // 最近一次 step_completed 的结果，终态聚合用
}

func (s *execState) terminal() bool { return s.completed || s.failed }

func (s *execState) step(name string) *stepState {
	st, ok := s.steps[name]
	if !ok {
		st = newStepState()
		s.steps[name] = st
	}
	return st
}

func (s *execState) node(id string) *nodeState {
	n, ok := s.nodes[id]
	if !ok {
		n = &nodeState{}
		s.nodes[id] = n
	}
	return n
}

// foldEvents 把事件流折叠为紧凑状态。事件按 ID 全序到达，后写胜出。
func foldEvents(executionID int64, events []event.Event) *execState {
	s := &execState{
		executionID: executionID,
		childPosted: make(map[int64]bool),
		steps:       make(map[string]*stepState),
		nodes:       make(map[string]*nodeState),
	}
	for i := range events {
		e := &events[i]
		switch e.Type {
		case event.ExecutionStart:
			s.started = true
			s.workload = e.Context
			s.catalogID = e.CatalogID
			s.startTime = e.Timestamp
			if pid, ok := e.MetaInt("parent_execution_id"); ok && pid != 0 {
				idx, _ := e.MetaInt("iteration_index")
				peid, _ := e.MetaInt("parent_event_id")
				s.parent = &parentRef{
					ExecutionID: int64(pid),
					Step:        e.MetaString("parent_step"),
					NodeID:      e.MetaString("parent_node_id"),
					EventID:     int64(peid),
					Index:       idx,
				}
			}
		case event.CancelRequested:
			s.cancelled = true
		case event.ExecutionComplete:
			s.completed = true
			s.finalStatus = event.StatusCompleted
			s.finalResult = e.Result
		case event.ExecutionFailed:
			s.failed = true
			s.finalStatus = e.Status
			if s.finalStatus == "" {
				s.finalStatus = event.StatusFailed
			}
			s.finalResult = e.Result
		case event.StepStarted:
			s.step(e.NodeName).started = true
		case event.StepCompleted:
			st := s.step(e.NodeName)
			st.started = true
			st.completed = true
			st.result = e.Result
			if e.Result != nil {
				s.lastResult = e.Result
			}
		case event.StepFailed:
			s.step(e.NodeName).failed = true
		case event.ActionStarted:
			s.node(e.NodeID).started++
		case event.ActionCompleted:
			s.foldActionCompleted(e)
		case event.ActionError:
			s.foldActionError(e)
		case event.ActionRetry:
			s.node(e.NodeID).retries++
		case event.IteratorStarted:
			s.step(e.NodeName).iteratorStarted = true
		case event.LoopStarted:
			st := s.step(e.NodeName)
			st.loopStarted = true
			if n, ok := e.MetaInt("expected"); ok {
				st.loopExpected = n
			}
			if items, ok := e.Meta["items"].([]any); ok {
				st.loopItems = items
			}
		case event.IterationStarted:
			st := s.step(e.NodeName)
			if idx, ok := iterationIndex(e); ok {
				st.iterStarted[idx] = true
				st.iterStartedID[idx] = e.ID
			}
		case event.IterationCompleted:
			st := s.step(e.NodeName)
			if idx, ok := iterationIndex(e); ok {
				st.iterCompleted[idx] = e.Result
			}
		case event.IterationFailed:
			st := s.step(e.NodeName)
			if idx, ok := iterationIndex(e); ok {
				st.iterFailed[idx] = e.Result
			}
		case event.LoopCompleted:
			st := s.step(e.NodeName)
			st.loopCompleted = true
			st.loopResult = e.Result
		case event.SaveStarted:
			s.step(e.NodeName).saveStarted = true
		case event.SaveCompleted:
			st := s.step(e.NodeName)
			st.saveCompleted = true
			st.saveResult = e.Result
		case event.SaveFailed, event.SaveError:
			s.step(e.NodeName).saveFailed = true
		}
	}
	return s
}

func (s *execState) foldActionCompleted(e *event.Event) {
	n := s.node(e.NodeID)
	n.done = true
	n.result = e.Result
	if strings.HasSuffix(e.NodeID, "-sink") {
		st := s.step(e.NodeName)
		st.sinkActionDone = true
		st.saveResult = e.Result
	}
	if cid, ok := e.MetaInt("child_execution_id"); ok && cid != 0 {
		s.childPosted[int64(cid)] = true
	}
}

func (s *execState) foldActionError(e *event.Event) {
	n := s.node(e.NodeID)
	n.errors++
	if e.Result != nil {
		n.lastError = e.Result
	} else if e.Meta != nil {
		n.lastError = e.Meta
	}
	if strings.HasSuffix(e.NodeID, "-sink") {
		s.step(e.NodeName).sinkActionFailed = true
	}
	if cid, ok := e.MetaInt("child_execution_id"); ok && cid != 0 {
		s.childPosted[int64(cid)] = true
	}
}

// actionDone 步骤主节点是否已有成功回报
func (s *execState) actionDone(step string) (any, bool) {
	n, ok := s.nodes[nodeID(s.executionID, step)]
	if !ok || !n.done {
		return nil, false
	}
	return n.result, true
}

// childResult 迭代子单元 i 的原始回报
func (s *execState) childResult(step string, index int) (any, bool) {
	n, ok := s.nodes[iterNodeID(s.executionID, step, index)]
	if !ok || !n.done {
		return nil, false
	}
	return n.result, true
}

// iterationIndex 迭代序号优先取 metadata，缺失时从 node_id 解析
func iterationIndex(e *event.Event) (int, bool) {
	if idx, ok := e.MetaInt("iteration_index"); ok {
		return idx, true
	}
	return iterIndexFromNodeID(e.NodeID)
}

func iterIndexFromNodeID(id string) (int, bool) {
	i := strings.LastIndex(id, "-iter-")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[i+len("-iter-"):])
	if err != nil {
		return 0, false
	}
	return n, true
}
