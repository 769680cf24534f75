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

// Package catalog 剧本目录：按 (path, version) 注册与查询剧本源文件。
// 注册后的条目不可变；重复注册同一 path 生成新版本。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"noetl/internal/playbook"
)

// VersionLatest 查询时解析为该 path 最高已注册版本
const VersionLatest = "latest"

var (
	// ErrNotFound 目录中无此剧本
	ErrNotFound = errors.New("catalog: playbook not found")
	// ErrMissingPath 剧本 metadata 缺少 path
	ErrMissingPath = errors.New("catalog: playbook metadata missing path")
)

// Entry 一个已注册的剧本版本
type Entry struct {
	CatalogID    string    `json:"catalog_id"`
	Path         string    `json:"path"`
	Version      string    `json:"version"`
	Content      []byte    `json:"-"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Store 剧本目录存储
type Store interface {
	// Register 解析并登记剧本；metadata.version 为空时自动递增补丁号。
	// 同 (path, version) 重复注册返回已有条目
	Register(ctx context.Context, content []byte) (*Entry, error)
	// Lookup 按 path 与 version 查询；version 为空或 "latest" 取最高版本
	Lookup(ctx context.Context, path, version string) (*Entry, error)
	// GetByID 按 catalog_id 查询
	GetByID(ctx context.Context, catalogID string) (*Entry, error)
	// List 返回全部条目（每个 path 各版本），按 path、version 排序
	List(ctx context.Context) ([]Entry, error)
}

// parseContent 解析剧本并校验 path
func parseContent(content []byte) (*playbook.Playbook, error) {
	pb, err := playbook.Parse(content)
	if err != nil {
		return nil, err
	}
	if pb.Path() == "" {
		return nil, ErrMissingPath
	}
	return pb, nil
}

// nextVersion 在当前最高版本上递增补丁号；无历史版本时返回 0.1.0
func nextVersion(latest string) string {
	if latest == "" {
		return "0.1.0"
	}
	parts := strings.Split(latest, ".")
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return latest + ".1"
	}
	parts[len(parts)-1] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}

// compareVersions 数值感知的版本比较；返回 <0/0/>0
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return strings.Compare(a, b)
}

func formatID(id int64) string {
	return fmt.Sprintf("%d", id)
}
