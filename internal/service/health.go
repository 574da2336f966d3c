package service

import (
	"context"
	"sync/atomic"
	"time"

	"TraceConsumer/internal/interfaces"

	"github.com/sirupsen/logrus"
)

// HealthState 就绪状态：服务已启动且数据库、队列均可用
type HealthState struct {
	started atomic.Bool
	dbOK    atomic.Bool
	queueOK atomic.Bool
}

func NewHealthState() *HealthState {
	return &HealthState{}
}

func (h *HealthState) SetStarted(v bool)  { h.started.Store(v) }
func (h *HealthState) SetDatabase(v bool) { h.dbOK.Store(v) }
func (h *HealthState) SetQueue(v bool)    { h.queueOK.Store(v) }

// Ready 返回是否就绪以及未就绪的原因
func (h *HealthState) Ready() (bool, []string) {
	var reasons []string
	if !h.started.Load() {
		reasons = append(reasons, "service not started")
	}
	if !h.dbOK.Load() {
		reasons = append(reasons, "database unhealthy")
	}
	if !h.queueOK.Load() {
		reasons = append(reasons, "kafka unhealthy")
	}
	return len(reasons) == 0, reasons
}

// HealthMonitor 定时检查数据库与队列连通性
type HealthMonitor struct {
	state    *HealthState
	db       interfaces.Pinger
	queue    interfaces.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewHealthMonitor 创建健康检查
func NewHealthMonitor(state *HealthState, db, queue interfaces.Pinger, interval time.Duration, logger *logrus.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HealthMonitor{
		state:    state,
		db:       db,
		queue:    queue,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// CheckOnce 执行一次检查并更新状态，返回是否全部正常
func (m *HealthMonitor) CheckOnce(ctx context.Context) bool {
	healthy := true

	dbCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.db.Ping(dbCtx)
	cancel()
	m.state.SetDatabase(err == nil)
	if err != nil {
		healthy = false
		m.logger.WithError(err).Warn("数据库健康检查失败")
	}

	if m.queue != nil {
		qCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.queue.Ping(qCtx)
		cancel()
		m.state.SetQueue(err == nil)
		if err != nil {
			healthy = false
			m.logger.WithError(err).Warn("Kafka健康检查失败")
		}
	}
	return healthy
}

// Run 周期检查直到 ctx 取消；检查失败后缩短为 interval/2（至少 5 秒）
func (m *HealthMonitor) Run(ctx context.Context) {
	for {
		next := m.interval
		if !m.CheckOnce(ctx) {
			next = m.interval / 2
			if next < 5*time.Second {
				next = 5 * time.Second
			}
		}
		select {
		case <-ctx.Done():
			m.logger.Info("健康检查已停止")
			return
		case <-time.After(next):
		}
	}
}
