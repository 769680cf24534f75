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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"noetl/pkg/log"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	EventLog   StoreConfig      `mapstructure:"eventlog"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Catalog    StoreConfig      `mapstructure:"catalog"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        log.Config       `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// NodeID snowflake 节点号，多实例部署时各实例取不同值
	NodeID int64 `mapstructure:"node_id"`
}

// StoreConfig 单个存储的配置（事件表 / catalog 表共用形态）
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
	// LeaseSeconds 默认租约时长（秒），<=0 使用 60
	LeaseSeconds int `mapstructure:"lease_seconds"`
}

// BrokerConfig broker 评估与回收配置
type BrokerConfig struct {
	// ReclaimInterval 周期回收扫描间隔，如 "30s"，空则默认 30s
	ReclaimInterval string `mapstructure:"reclaim_interval"`
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	// ServerURL 控制面地址，如 http://localhost:8082
	ServerURL string `mapstructure:"server_url"`
	// MaxConcurrency 最大并发执行数，<=0 使用默认 4
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// PollRate 每秒 lease 轮询上限，<=0 使用默认 10
	PollRate float64 `mapstructure:"poll_rate"`
	// LeaseSeconds 请求的租约时长（秒），<=0 使用默认 60
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// WorkerID 实例标识；空则按启动时间生成
	WorkerID string `mapstructure:"worker_id"`
	// PostgresDSN postgres 动作未显式给 db_url 时的默认连接串
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory
	Options  map[string]string `mapstructure:"options"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	// Tracing 为 true 时启用 OpenTelemetry 上报
	Tracing  bool   `mapstructure:"tracing"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReclaimIntervalDuration 解析 ReclaimInterval；非法或为空时返回 30s
func (c BrokerConfig) ReclaimIntervalDuration() time.Duration {
	if c.ReclaimInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.ReclaimInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// LoadConfig 从 configPath 读取 YAML 配置；NOETL_ 前缀环境变量覆盖同名键
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("NOETL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时退回默认值 + 环境变量（dev 单进程模式）
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8082)
	v.SetDefault("api.node_id", 0)
	v.SetDefault("eventlog.type", "memory")
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.lease_seconds", 60)
	v.SetDefault("catalog.type", "memory")
	v.SetDefault("broker.reclaim_interval", "30s")
	v.SetDefault("worker.server_url", "http://localhost:8082")
	v.SetDefault("worker.max_concurrency", 4)
	v.SetDefault("worker.poll_rate", 10.0)
	v.SetDefault("worker.lease_seconds", 60)
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadAPIConfig API 进程默认配置路径
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig Worker 进程默认配置路径
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
