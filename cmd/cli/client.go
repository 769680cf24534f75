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
	"context"
	"encoding/json"
	"os"

	"noetl/internal/client"
	"noetl/pkg/utils"
)

func apiBaseURL() string {
	return utils.CoalesceString(os.Getenv("NOETL_API_URL"), "http://localhost:8082")
}

func apiClient() *client.Client {
	return client.New(apiBaseURL())
}

func submitRun(path string, workload map[string]any) (*client.RunResponse, error) {
	return apiClient().Run(context.Background(), client.RunRequest{Path: path, Workload: workload})
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
