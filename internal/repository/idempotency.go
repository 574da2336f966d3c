package repository

import (
	"context"
	"errors"

	"TraceConsumer/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyTracker 判断 trace 是否已处理，并在数据写入的同一事务内记录处理结果
// 真正的正确性由 processed_traces.trace_id 唯一约束保证，HasBeenProcessed 只是跳过重复工作的快速路径
type IdempotencyTracker struct {
	db *gorm.DB
}

// NewIdempotencyTracker 创建幂等追踪器
func NewIdempotencyTracker(db *gorm.DB) *IdempotencyTracker {
	return &IdempotencyTracker{db: db}
}

// HasBeenProcessed 在传入的事务内查询 trace 是否已有 processed_traces 记录
func (t *IdempotencyTracker) HasBeenProcessed(tx *gorm.DB, traceID string) (bool, error) {
	var row model.ProcessedTrace
	err := tx.Select("id").Where("trace_id = ?", traceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classifyError("查询processed_traces", err)
	}
	return true, nil
}

// MarkProcessed 在传入的事务内插入 processed_traces；其他事务已抢先写入时返回 model.ErrIdempotencyRace
func (t *IdempotencyTracker) MarkProcessed(tx *gorm.DB, rec *model.ProcessedTrace) error {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trace_id"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		err := classifyError("写入processed_traces", res.Error)
		// 个别驱动不支持 ON CONFLICT DO NOTHING 时会直接报唯一约束冲突，同样视为竞争失败
		var violation *model.ConstraintViolation
		if errors.As(err, &violation) && isTraceIDConflict(violation) {
			return model.ErrIdempotencyRace
		}
		return err
	}
	if res.RowsAffected == 0 {
		return model.ErrIdempotencyRace
	}
	return nil
}

func isTraceIDConflict(v *model.ConstraintViolation) bool {
	if v.Constraint == "uq_processed_traces_trace_id" {
		return true
	}
	return v.Err != nil && containsAny(v.Err.Error(), "uq_processed_traces_trace_id", "processed_traces.trace_id")
}

// RecentTraceIDs 最近处理过的 trace_id，仅用于启动日志
func (t *IdempotencyTracker) RecentTraceIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := t.db.WithContext(ctx).Model(&model.ProcessedTrace{}).
		Order("processed_at DESC").
		Limit(limit).
		Pluck("trace_id", &ids).Error; err != nil {
		return nil, classifyError("查询最近processed_traces", err)
	}
	return ids, nil
}

// CountProcessed processed_traces 总数
func (t *IdempotencyTracker) CountProcessed(ctx context.Context) (int64, error) {
	var total int64
	if err := t.db.WithContext(ctx).Model(&model.ProcessedTrace{}).Count(&total).Error; err != nil {
		return 0, classifyError("统计processed_traces", err)
	}
	return total, nil
}
