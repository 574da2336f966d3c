package service

import (
	"context"
	"time"

	"TraceConsumer/internal/config"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 单条消息的存储重试策略
// MaxRetries 为首次失败后的重试次数，最多执行 MaxRetries+1 次
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Strategy   string
}

// PolicyFromConfig 由配置生成重试策略
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
		Strategy:   cfg.Strategy,
	}
}

// NewBackOff 每条消息一个新的间隔序列，间隔单调不减
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	if p.Strategy != config.RetryStrategyExponential {
		return backoff.NewConstantBackOff(p.Backoff)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0 // 不加抖动，保证间隔不减
	b.MaxElapsedTime = 0      // 次数由 MaxRetries 控制
	b.Reset()
	return b
}

// Sleeper 等待 d，ctx 取消时提前返回 ctx.Err()
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext 默认 Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
