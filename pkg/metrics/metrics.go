package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 agentd 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		PhaseTransitionsTotal, StaleTransitionsTotal,
		LedgerMemoryMB, LedgerCPUCores, LedgerConcurrentAgents, LedgerRejectionsTotal,
		SnapshotWritesTotal, SnapshotWriteFailuresTotal, IntegrityViolationsTotal, RepairsTotal,
		RecoveryDuration, RecoveryTotal,
		EventsTotal, ResumedAgentsTotal,
	)
}

// PhaseTransitionsTotal 生命周期阶段迁移次数
var PhaseTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_phase_transitions_total",
		Help: "生命周期阶段迁移次数",
	},
	[]string{"from", "to"},
)

// StaleTransitionsTotal CAS 失败次数
var StaleTransitionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "agentrt_stale_transitions_total",
		Help: "阶段 CAS 因并发修改失败的次数",
	},
)

// LedgerMemoryMB 当前已分配内存（MB）
var LedgerMemoryMB = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentrt_ledger_memory_mb",
		Help: "当前已分配内存（MB）",
	},
)

// LedgerCPUCores 当前已分配 CPU 核数
var LedgerCPUCores = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentrt_ledger_cpu_cores",
		Help: "当前已分配 CPU 核数",
	},
)

// LedgerConcurrentAgents 当前持有分配的 Agent 数
var LedgerConcurrentAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentrt_ledger_concurrent_agents",
		Help: "当前持有资源分配的 Agent 数",
	},
)

// LedgerRejectionsTotal 分配被拒次数（按违规资源）
var LedgerRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_ledger_rejections_total",
		Help: "资源分配被拒次数",
	},
	[]string{"resource"}, // memory_mb | cpu_cores | concurrent_agents
)

// SnapshotWritesTotal 快照写入次数（按实际落盘层）
var SnapshotWritesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_snapshot_writes_total",
		Help: "快照写入次数",
	},
	[]string{"tier"},
)

// SnapshotWriteFailuresTotal 快照写入失败次数（触发层级回退）
var SnapshotWriteFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_snapshot_write_failures_total",
		Help: "快照写入失败次数",
	},
	[]string{"tier"},
)

// IntegrityViolationsTotal 校验失败次数
var IntegrityViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_integrity_violations_total",
		Help: "状态完整性校验失败次数",
	},
	[]string{"kind"}, // checksum_mismatch | missing_field | type_mismatch | invalid_phase
)

// RepairsTotal 修复次数（按结果）
var RepairsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_repairs_total",
		Help: "损坏状态修复次数",
	},
	[]string{"strategy", "result"},
)

// RecoveryDuration 灾备恢复耗时（秒）
var RecoveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agentrt_recovery_duration_seconds",
		Help:    "灾备恢复耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tier"},
)

// RecoveryTotal 灾备恢复次数（按结果）
var RecoveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_recovery_total",
		Help: "灾备恢复次数",
	},
	[]string{"result"}, // recovered | exhausted | failed
)

// EventsTotal 事件投递次数（按类型与结果）
var EventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_events_total",
		Help: "生命周期事件投递次数",
	},
	[]string{"type", "result"}, // delivered | dropped | failed
)

// ResumedAgentsTotal 跨会话恢复次数
var ResumedAgentsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "agentrt_resumed_agents_total",
		Help: "跨会话恢复的 Agent 数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w
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
