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

// Package ids 生成 snowflake 风格的 64 位单调递增 ID，用于 execution 与 event。
package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator 进程内 ID 生成器；同一 node 下保证严格递增
type Generator struct {
	node *snowflake.Node
}

// NewGenerator 创建生成器；nodeID ∈ [0,1023]，多实例部署时各实例取不同值
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Generator{node: node}, nil
}

// Next 返回下一个 ID
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

var (
	defaultOnce sync.Once
	defaultGen  *Generator
)

// Default 进程默认生成器（node 0）；cmd 层未注入时使用
func Default() *Generator {
	defaultOnce.Do(func() {
		g, err := NewGenerator(0)
		if err != nil {
			panic(err)
		}
		defaultGen = g
	})
	return defaultGen
}
