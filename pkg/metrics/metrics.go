package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ExecutionTotal, ExecutionDuration,
		EventAppendTotal, BrokerEvaluateDuration,
		TaskLeaseTotal, TaskDuration, TaskRetryTotal, TaskDeadTotal,
		QueueDepth, WorkerBusy,
	)
}

// ExecutionTotal 执行总数（按终态）
var ExecutionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_execution_total",
		Help: "执行总数（按终态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// ExecutionDuration 执行耗时（秒），从 execution_start 到终态事件
var ExecutionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "noetl_execution_duration_seconds",
		Help:    "执行耗时（秒）",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	},
)

// EventAppendTotal 事件追加总数（按类型）
var EventAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_event_append_total",
		Help: "事件追加总数（按类型）",
	},
	[]string{"type"},
)

// BrokerEvaluateDuration 单次 broker 评估耗时（秒）
var BrokerEvaluateDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "noetl_broker_evaluate_duration_seconds",
		Help:    "单次 broker 评估耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// TaskLeaseTotal Lease 尝试总数（acquired=true/false）
var TaskLeaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_task_lease_total",
		Help: "Lease 尝试总数",
	},
	[]string{"acquired"},
)

// TaskDuration 任务执行耗时（秒，按动作类型）
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "noetl_task_duration_seconds",
		Help:    "任务执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"action"},
)

// TaskRetryTotal 任务重试总数
var TaskRetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_task_retry_total",
		Help: "任务重试总数",
	},
)

// TaskDeadTotal 重试耗尽进入 dead 的任务总数
var TaskDeadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_task_dead_total",
		Help: "进入 dead 状态的任务总数",
	},
)

// QueueDepth 当前各状态任务数
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_queue_depth",
		Help: "当前各状态任务数",
	},
	[]string{"status"},
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
