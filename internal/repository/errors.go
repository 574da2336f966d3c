package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"TraceConsumer/internal/model"

	"github.com/jackc/pgconn"
	"gorm.io/gorm"
)

// transientSQLStates 可重试的 SQLSTATE（精确匹配）
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled（statement_timeout）
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// classifyError 将数据库错误归类为 TransientStorageError / ConstraintViolation / PermanentStorageError
// 未能识别的错误按可重试处理，由重试次数兜底
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	// 已归类的错误直接透传
	var (
		transient  *model.TransientStorageError
		constraint *model.ConstraintViolation
		permanent  *model.PermanentStorageError
	)
	if errors.As(err, &transient) || errors.As(err, &constraint) || errors.As(err, &permanent) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientSQLStates[pgErr.Code],
			strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			strings.HasPrefix(pgErr.Code, "53"): // insufficient_resources
			return &model.TransientStorageError{Op: op, Err: err}
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return &model.ConstraintViolation{Op: op, Constraint: pgErr.ConstraintName, Err: err}
		default:
			return &model.PermanentStorageError{Op: op, Err: err}
		}
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return &model.ConstraintViolation{Op: op, Err: err}
	case errors.Is(err, gorm.ErrInvalidData), errors.Is(err, gorm.ErrInvalidField), errors.Is(err, gorm.ErrInvalidValue):
		return &model.PermanentStorageError{Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		// 关闭流程中取消，交给上层判断 ctx，不计入永久失败
		return &model.TransientStorageError{Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.Timeout(err):
		return &model.TransientStorageError{Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &model.TransientStorageError{Op: op, Err: err}
	}

	// SQLite（测试环境）等驱动没有结构化错误码时按错误信息判断
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return &model.ConstraintViolation{Op: op, Err: err}
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return &model.TransientStorageError{Op: op, Err: err}
	}
	return &model.TransientStorageError{Op: op, Err: err}
}
