// ============================================================================
// Beaver-Timer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - beaver_timers_finished_total: 完成的計時器次數
//      - beaver_records_persisted_total: 已確認寫入的完成紀錄數
//      - beaver_session_loops_total: 工作階段佇列繞回次數
//      - beaver_persistence_failures_total{collection}: 重試耗盡的持久化失敗
//      - beaver_alarms_dropped_total: 佇列滿而丟棄的鬧鈴
//
//   2. 分佈 (Histogram)：
//      - beaver_timer_final_duration_seconds: 完成時的實際時長
//
//   3. 狀態指標 (Gauge)：
//      - beaver_sessions: 目前的工作階段 actor 數
//      - beaver_coordinator_phase{phase}: 目前階段為 1，其餘為 0
//
// Prometheus 查詢示例:
//
//   # 每小時完成的番茄鐘
//   increase(beaver_timers_finished_total[1h])
//
//   # 持久化是否健康
//   rate(beaver_persistence_failures_total[5m]) > 0
//
// HTTP 端點:
//   Handler() 回傳 promhttp handler，由 run 指令掛到 /metrics
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

// Phases 協調者的所有階段，順序即啟動順序
var Phases = []string{"spawningSessionSync", "spawningTimerAndRecordSync", "idle"}

// Collector Prometheus 指標收集器
//
// 所有方法都允許 nil receiver，未啟用監控時呼叫者不必判斷。
type Collector struct {
	// 計數器
	timersFinished      prometheus.Counter
	recordsPersisted    prometheus.Counter
	sessionLoops        prometheus.Counter
	persistenceFailures *prometheus.CounterVec
	alarmsDropped       prometheus.Counter

	// 分佈
	finalDuration prometheus.Histogram

	// 狀態指標
	sessions prometheus.Gauge
	phase    *prometheus.GaugeVec
}

// NewCollector 創建並註冊指標收集器
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		timersFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_finished_total",
			Help:      "Total number of timers that reached zero",
		}),
		recordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_persisted_total",
			Help:      "Total number of finish records confirmed by the records collection",
		}),
		sessionLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_loops_total",
			Help:      "Total number of times a session queue wrapped around",
		}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Persistence operations that failed after all retries",
		}, []string{"collection"}),
		alarmsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_dropped_total",
			Help:      "Alarms dropped because the playback queue was full",
		}),
		finalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timer_final_duration_seconds",
			Help:      "Duration a timer ran for when it finished",
			Buckets:   []float64{60, 300, 600, 900, 1500, 1800, 2700, 3600},
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Current number of session actors",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_phase",
			Help:      "1 for the coordinator's current phase, 0 otherwise",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		c.timersFinished,
		c.recordsPersisted,
		c.sessionLoops,
		c.persistenceFailures,
		c.alarmsDropped,
		c.finalDuration,
		c.sessions,
		c.phase,
	)
	for _, p := range Phases {
		c.phase.WithLabelValues(p).Set(0)
	}
	return c
}

// RecordTimerFinished 記錄計時器完成；final 為 0 時（無紀錄的計時器）不計入分佈
func (c *Collector) RecordTimerFinished(final time.Duration) {
	if c == nil {
		return
	}
	c.timersFinished.Inc()
	if final > 0 {
		c.finalDuration.Observe(final.Seconds())
	}
}

// RecordPersisted 記錄完成紀錄已被 records 集合確認
func (c *Collector) RecordPersisted() {
	if c == nil {
		return
	}
	c.recordsPersisted.Inc()
}

// RecordSessionLoop 記錄佇列繞回
func (c *Collector) RecordSessionLoop() {
	if c == nil {
		return
	}
	c.sessionLoops.Inc()
}

// RecordPersistenceFailure 記錄持久化失敗
func (c *Collector) RecordPersistenceFailure(collection string) {
	if c == nil {
		return
	}
	c.persistenceFailures.WithLabelValues(collection).Inc()
}

// RecordAlarmDropped 記錄鬧鈴被丟棄
func (c *Collector) RecordAlarmDropped() {
	if c == nil {
		return
	}
	c.alarmsDropped.Inc()
}

// SetSessions 設置工作階段數
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}

// SetPhase 將目前階段設為 1
func (c *Collector) SetPhase(phase string) {
	if c == nil {
		return
	}
	for _, p := range Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.phase.WithLabelValues(p).Set(v)
	}
}

// Handler 回傳 /metrics 的 HTTP handler
//
// 參數：
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
