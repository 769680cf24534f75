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

package worker

import (
	"context"
	"fmt"

	"noetl/pkg/secrets"
)

// secretsExecutor secrets 动作：按 name/key 取值，结果 {"name","value"}
type secretsExecutor struct {
	store secrets.Store
}

// NewSecretsExecutor 创建 secrets 执行器
func NewSecretsExecutor(store secrets.Store) Executor {
	return &secretsExecutor{store: store}
}

func (e *secretsExecutor) Execute(ctx context.Context, action map[string]any) (any, error) {
	name, _ := action["name"].(string)
	if name == "" {
		name, _ = action["key"].(string)
	}
	if name == "" {
		return nil, fmt.Errorf("worker: secrets action missing name")
	}
	value, err := e.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("worker: secret %s: %w", name, err)
	}
	return map[string]any{"name": name, "value": value}, nil
}
