package interfaces

import (
	"context"

	"TraceConsumer/internal/model"
)

// RecordNormalizer 将原始消息解析并校验为 Trace
type RecordNormalizer interface {
	Normalize(payload []byte) (*model.Trace, error) // 失败返回 *model.ValidationError
}

// TraceStore trace 入库（幂等）
type TraceStore interface {
	ApplyTrace(ctx context.Context, trace *model.Trace) (model.ApplyResult, error)
	Ping(ctx context.Context) error
}

// QueueSource 消息来源，offset 只在消息处理结束后提交
type QueueSource interface {
	Poll(ctx context.Context) ([]*model.Delivery, error)
	Commit(ctx context.Context, d *model.Delivery) error
	AllowRebalance()
	Ping(ctx context.Context) error
	Close()
}

// FailureReporter 永久失败消息的处理（日志/死信）
type FailureReporter interface {
	Report(ctx context.Context, report *model.FailureReport) error
}

// Pinger 依赖连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}
