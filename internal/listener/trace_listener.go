package listener

import (
	"context"
	"time"

	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/metrics"
	"TraceConsumer/internal/model"
	"TraceConsumer/internal/service"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	pollBackoffMin = 500 * time.Millisecond
	pollBackoffMax = 10 * time.Second
	finalizeWait   = 10 * time.Second
)

// Processor 单条消息处理
type Processor interface {
	Process(ctx context.Context, d *model.Delivery) *service.Outcome
}

// TraceListener 拉取消息，同一分区内顺序处理，不同分区并行处理
// offset 只在消息入库成功或确认永久失败并上报后提交
type TraceListener struct {
	source    interfaces.QueueSource
	processor Processor
	reporter  interfaces.FailureReporter
	health    *service.HealthState
	workers   int
	sleep     service.Sleeper
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewTraceListener 创建消费循环
func NewTraceListener(source interfaces.QueueSource, processor Processor, reporter interfaces.FailureReporter, health *service.HealthState, workers int, m *metrics.Metrics, logger *logrus.Logger) *TraceListener {
	if workers <= 0 {
		workers = 1
	}
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	if health == nil {
		health = service.NewHealthState()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &TraceListener{
		source:    source,
		processor: processor,
		reporter:  reporter,
		health:    health,
		workers:   workers,
		sleep:     service.SleepContext,
		metrics:   m,
		logger:    logger,
	}
}

// Start 运行直到 ctx 取消
func (l *TraceListener) Start(ctx context.Context) error {
	l.logger.Info("TraceListener started")
	delay := pollBackoffMin
	for {
		if ctx.Err() != nil {
			l.logger.Info("TraceListener stopped")
			return nil
		}

		deliveries, err := l.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.health.SetQueue(false)
			l.metrics.PollErrors.Inc()
			l.logger.WithError(err).WithField("retry_in", delay).Warn("拉取消息失败，稍后重试")
			_ = l.sleep(ctx, delay)
			delay *= 2
			if delay > pollBackoffMax {
				delay = pollBackoffMax
			}
			continue
		}
		delay = pollBackoffMin
		l.health.SetQueue(true)

		if len(deliveries) > 0 {
			l.processBatch(ctx, deliveries)
		}
		l.source.AllowRebalance()
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

// processBatch 按分区拆分，分区内按 offset 顺序处理，分区间并行（上限 workers）
func (l *TraceListener) processBatch(ctx context.Context, deliveries []*model.Delivery) {
	var order []partitionKey
	groups := make(map[partitionKey][]*model.Delivery)
	for _, d := range deliveries {
		k := partitionKey{topic: d.Topic, partition: d.Partition}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], d)
	}

	var g errgroup.Group
	g.SetLimit(l.workers)
	for _, k := range order {
		batch := groups[k]
		g.Go(func() error {
			l.processPartition(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *TraceListener) processPartition(ctx context.Context, batch []*model.Delivery) {
	for _, d := range batch {
		out := l.processor.Process(ctx, d)
		if !out.Terminal() {
			// 中断的消息及其后续消息都不提交，重启后从这里重新投递
			return
		}
		l.finalize(ctx, d, out)
	}
}

// finalize 永久失败先上报，再提交 offset；关闭过程中也尽量完成
func (l *TraceListener) finalize(ctx context.Context, d *model.Delivery, out *service.Outcome) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeWait)
	defer cancel()

	log := l.logger.WithFields(logrus.Fields{
		"trace_id":  out.TraceID,
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
	})
	if out.Failed() {
		report := &model.FailureReport{
			Delivery: d,
			TraceID:  out.TraceID,
			State:    string(out.State),
			Attempts: out.Attempts,
			Err:      out.Err,
		}
		if err := l.reporter.Report(fctx, report); err != nil {
			log.WithError(err).Error("上报永久失败消息失败，仍提交offset")
		}
	}
	if err := l.source.Commit(fctx, d); err != nil {
		// 未提交的消息会被重新投递，由幂等记录去重
		log.WithError(err).Warnf("提交offset失败(state=%s)", out.State)
	}
}
