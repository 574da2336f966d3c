package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 消费链路的 Prometheus 指标
type Metrics struct {
	Records       *prometheus.CounterVec // outcome: committed/duplicate/race_lost/error_recorded/invalid/permanent_failure
	Retries       prometheus.Counter
	ApplyDuration prometheus.Histogram
	DeadLetters   prometheus.Counter
	PollErrors    prometheus.Counter
}

// NewMetrics 创建并注册指标；reg 为 nil 时只创建不注册（测试用）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trace_consumer_records_total",
			Help: "Total number of trace records handled, by outcome",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trace_consumer_retries_total",
			Help: "Total number of retried storage attempts",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trace_consumer_apply_duration_seconds",
			Help:    "Time taken by one storage transaction",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trace_consumer_dead_letters_total",
			Help: "Total number of records forwarded to the dead letter topic",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trace_consumer_poll_errors_total",
			Help: "Total number of failed polls against the queue",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Records, m.Retries, m.ApplyDuration, m.DeadLetters, m.PollErrors)
	}
	return m
}

// RegisterDBStats 暴露连接池状态
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "trace_consumer_db_open_connections",
			Help: "Current number of open database connections",
		}, func() float64 { return float64(db.Stats().OpenConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "trace_consumer_db_in_use_connections",
			Help: "Current number of database connections in use",
		}, func() float64 { return float64(db.Stats().InUse) }),
	)
}
