package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIdempotencyRace 写 processed_traces 时发现其他事务已处理同一 trace（预期情况，按成功处理）
var ErrIdempotencyRace = errors.New("trace 已被其他事务处理")

// FieldError 单个字段的校验失败
type FieldError struct {
	Field  string // 字段路径，如 course.enrollment / ratings[2].responseRate
	Reason string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// ValidationError 消息格式错误或字段缺失，永久失败，不重试，不进入存储层
type ValidationError struct {
	TraceID string
	Fields  []FieldError
	Err     error // JSON 解析等底层错误
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("消息校验失败")
	if e.TraceID != "" {
		b.WriteString(" trace_id=" + e.TraceID)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.String())
		}
		b.WriteString(": " + strings.Join(parts, "; "))
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientStorageError 连接中断、死锁、超时等可重试错误
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("存储暂时不可用(%s): %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// ConstraintViolation 除 trace_id 竞争以外的数据完整性冲突，永久失败
type ConstraintViolation struct {
	Op         string
	Constraint string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("违反约束 %s(%s): %v", e.Constraint, e.Op, e.Err)
	}
	return fmt.Sprintf("违反约束(%s): %v", e.Op, e.Err)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

// PermanentStorageError 数据库拒绝且重试无意义的其他错误（数据类型越界、SQL错误等）
type PermanentStorageError struct {
	Op  string
	Err error
}

func (e *PermanentStorageError) Error() string {
	return fmt.Sprintf("存储永久失败(%s): %v", e.Op, e.Err)
}

func (e *PermanentStorageError) Unwrap() error { return e.Err }

// IsRetryable 只有 TransientStorageError 可以重试
func IsRetryable(err error) bool {
	var transient *TransientStorageError
	return errors.As(err, &transient)
}

// IsValidation 是否为消息校验错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
