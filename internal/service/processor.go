package service

import (
	"context"
	"errors"
	"time"

	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/metrics"
	"TraceConsumer/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// State 单条消息的处理状态
type State string

const (
	StateReceived         State = "received"
	StateValidating       State = "validating"
	StateInvalid          State = "invalid"
	StateUpserting        State = "upserting"
	StateTransientFailure State = "transient_failure"
	StateCommitted        State = "committed"
	StatePermanentFailure State = "permanent_failure"
	StateInterrupted      State = "interrupted" // 关闭时中断，不提交 offset，重启后重新投递
)

// Outcome 一条消息的处理结果
type Outcome struct {
	State    State
	TraceID  string
	Result   model.ApplyResult // 仅 StateCommitted 有效
	Attempts int               // 存储事务执行次数
	Delays   []time.Duration   // 每次重试前的等待
	Err      error
}

// Terminal 是否可以提交 offset
func (o *Outcome) Terminal() bool {
	return o.State == StateCommitted || o.State == StateInvalid || o.State == StatePermanentFailure
}

// Failed 永久失败（校验失败或存储永久失败）
func (o *Outcome) Failed() bool {
	return o.State == StateInvalid || o.State == StatePermanentFailure
}

// TraceProcessor 解析、校验、入库一条消息，瞬时错误按 RetryPolicy 重试
// 不向调用方返回错误，所有结果体现在 Outcome 中
type TraceProcessor struct {
	normalizer interfaces.RecordNormalizer
	store      interfaces.TraceStore
	policy     RetryPolicy
	sleep      Sleeper
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewTraceProcessor 创建消息处理器
func NewTraceProcessor(normalizer interfaces.RecordNormalizer, store interfaces.TraceStore, policy RetryPolicy, m *metrics.Metrics, logger *logrus.Logger) *TraceProcessor {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &TraceProcessor{
		normalizer: normalizer,
		store:      store,
		policy:     policy,
		sleep:      SleepContext,
		metrics:    m,
		logger:     logger,
	}
}

// SetSleeper 替换等待实现（测试中记录等待而不真正 sleep）
func (p *TraceProcessor) SetSleeper(s Sleeper) {
	p.sleep = s
}

// Process 状态机：Received → Validating → Invalid | Upserting → Committed | TransientFailure → Upserting | PermanentFailure
func (p *TraceProcessor) Process(ctx context.Context, d *model.Delivery) *Outcome {
	out := &Outcome{State: StateReceived}
	log := p.logger.WithFields(logrus.Fields{
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
	})

	// 1. 解析与校验，失败不重试
	out.State = StateValidating
	trace, err := p.normalizer.Normalize(d.Value)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			out.TraceID = verr.TraceID
		}
		out.State = StateInvalid
		out.Err = err
		log.WithError(err).WithField("trace_id", out.TraceID).Error("消息校验失败，不重试")
		p.finish(out)
		return out
	}
	trace.Delivery = d.Info()
	out.TraceID = trace.TraceID
	log = log.WithField("trace_id", trace.TraceID)

	// 2. 入库，瞬时错误退避重试
	bo := p.policy.NewBackOff()
	for {
		if ctx.Err() != nil {
			out.State = StateInterrupted
			out.Err = ctx.Err()
			p.finish(out)
			return out
		}

		out.State = StateUpserting
		out.Attempts++
		start := time.Now()
		result, err := p.store.ApplyTrace(ctx, trace)
		p.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			out.State = StateCommitted
			out.Result = result
			out.Err = nil
			log.WithFields(logrus.Fields{
				"result":   result.String(),
				"attempts": out.Attempts,
			}).Info("trace 处理完成")
			p.finish(out)
			return out
		}
		out.Err = err

		if ctx.Err() != nil {
			out.State = StateInterrupted
			log.WithError(err).Warn("处理被中断，offset 不提交")
			p.finish(out)
			return out
		}
		if !model.IsRetryable(err) {
			out.State = StatePermanentFailure
			log.WithError(err).WithField("attempts", out.Attempts).Error("存储永久失败，不重试")
			p.finish(out)
			return out
		}
		if out.Attempts > p.policy.MaxRetries {
			out.State = StatePermanentFailure
			log.WithError(err).WithField("attempts", out.Attempts).Error("重试次数耗尽")
			p.finish(out)
			return out
		}

		out.State = StateTransientFailure
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			out.State = StatePermanentFailure
			log.WithError(err).Error("退避策略终止重试")
			p.finish(out)
			return out
		}
		out.Delays = append(out.Delays, delay)
		p.metrics.Retries.Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": out.Attempts,
			"delay":   delay,
		}).Warn("存储暂时失败，等待重试")
		if err := p.sleep(ctx, delay); err != nil {
			out.State = StateInterrupted
			p.finish(out)
			return out
		}
	}
}

func (p *TraceProcessor) finish(out *Outcome) {
	label := string(out.State)
	if out.State == StateCommitted {
		label = out.Result.String()
	}
	p.metrics.Records.WithLabelValues(label).Inc()
}
