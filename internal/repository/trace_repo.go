package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// courseMutableColumns 重复入库同一 course_id 时整体覆盖的列
var courseMutableColumns = []string{
	"course_name", "subject", "catalog_section", "semester", "year",
	"enrollment", "responses", "declines", "processed_at",
	"original_file_name", "gcs_bucket", "gcs_path", "updated_at",
}

// TraceRepository 一条 trace 的多表原子写入
type TraceRepository struct {
	db      *gorm.DB
	tracker *IdempotencyTracker
	now     func() time.Time

	// beforeMark 写 processed_traces 之前的钩子，仅测试使用
	beforeMark func(tx *gorm.DB, traceID string) error
}

func NewTraceRepository(db *gorm.DB) interfaces.TraceStore {
	return newTraceRepository(db)
}

func newTraceRepository(db *gorm.DB) *TraceRepository {
	return &TraceRepository{
		db:      db,
		tracker: NewIdempotencyTracker(db),
		now:     time.Now,
	}
}

// ApplyTrace 在一个事务内完成：教师 upsert → 课程 upsert → 关联 → 评分/评论 → processed_traces
// 任一步失败整体回滚；processed_traces 被其他事务抢先写入时回滚并返回 ApplyResultRaceLost
func (r *TraceRepository) ApplyTrace(ctx context.Context, trace *model.Trace) (model.ApplyResult, error) {
	// 开启事务
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, classifyError("开启事务", tx.Error)
	}
	finished := false
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if !finished {
			tx.Rollback()
		}
	}()

	// 快速路径：已处理过直接跳过
	processed, err := r.tracker.HasBeenProcessed(tx, trace.TraceID)
	if err != nil {
		return 0, err
	}
	if processed {
		return model.ApplyResultDuplicate, nil
	}

	mark := &model.ProcessedTrace{
		TraceID:     trace.TraceID,
		ProcessedAt: trace.ProcessedAt,
	}
	if mark.ProcessedAt.IsZero() {
		mark.ProcessedAt = r.now().UTC()
	}
	if trace.Delivery != nil {
		raw, err := json.Marshal(trace.Delivery)
		if err != nil {
			return 0, &model.PermanentStorageError{Op: "序列化delivery", Err: err}
		}
		mark.Delivery = datatypes.JSON(raw)
	}

	result := model.ApplyResultErrorRecorded
	if trace.HasUpstreamError() {
		// 上游处理失败：只记录 processed_traces，避免反复投递
		msg := trace.UpstreamError
		mark.Status = model.TraceStatusError
		mark.ErrorMessage = &msg
	} else {
		courseID, err := r.applyData(tx, trace)
		if err != nil {
			return 0, err
		}
		mark.Status = model.TraceStatusSuccess
		mark.CourseID = &courseID
		result = model.ApplyResultApplied
	}

	if r.beforeMark != nil {
		if err := r.beforeMark(tx, trace.TraceID); err != nil {
			return 0, classifyError("beforeMark", err)
		}
	}

	// 最后写 processed_traces，唯一约束是真正的幂等保证
	if err := r.tracker.MarkProcessed(tx, mark); err != nil {
		if errors.Is(err, model.ErrIdempotencyRace) {
			return model.ApplyResultRaceLost, nil
		}
		return 0, err
	}

	// 提交事务
	finished = true
	if err := tx.Commit().Error; err != nil {
		return 0, classifyError("提交事务", err)
	}
	return result, nil
}

// applyData 写入教师、课程、关联、评分、评论，返回 courses.id
func (r *TraceRepository) applyData(tx *gorm.DB, trace *model.Trace) (uint64, error) {
	// 1. 教师：按 name 精确匹配，存在则复用
	instructor := &model.Instructor{Name: trace.Instructor.Name}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(instructor).Error; err != nil {
		return 0, classifyError("保存Instructor", err)
	}
	instructorID, err := lookupID(tx, &model.Instructor{}, "name = ?", trace.Instructor.Name)
	if err != nil {
		return 0, classifyError("查询Instructor", err)
	}

	// 2. 课程：按 course_id upsert，覆盖全部可变属性
	c := trace.Course
	course := &model.Course{
		CourseID:         c.CourseID,
		CourseName:       c.CourseName,
		Subject:          c.Subject,
		CatalogSection:   c.CatalogSection,
		Semester:         c.Semester,
		Year:             c.Year,
		Enrollment:       c.Enrollment,
		Responses:        c.Responses,
		Declines:         c.Declines,
		ProcessedAt:      c.ProcessedAt,
		OriginalFileName: c.OriginalFileName,
		GCSBucket:        c.GCSBucket,
		GCSPath:          c.GCSPath,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}},
		DoUpdates: clause.AssignmentColumns(courseMutableColumns),
	}).Create(course).Error; err != nil {
		return 0, classifyError(fmt.Sprintf("保存Course course_id=%s", c.CourseID), err)
	}
	courseID, err := lookupID(tx, &model.Course{}, "course_id = ?", c.CourseID)
	if err != nil {
		return 0, classifyError("查询Course", err)
	}

	// 3. 课程-教师关联：重复关联视为成功
	link := &model.CourseInstructor{CourseID: courseID, InstructorID: instructorID}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "instructor_id"}},
		DoNothing: true,
	}).Create(link).Error; err != nil {
		return 0, classifyError("保存CourseInstructor", err)
	}
	linkID, err := lookupID(tx, &model.CourseInstructor{}, "course_id = ? AND instructor_id = ?", courseID, instructorID)
	if err != nil {
		return 0, classifyError("查询CourseInstructor", err)
	}

	// 4. 评分，保留消息中的顺序
	if len(trace.Ratings) > 0 {
		ratings := make([]*model.Rating, 0, len(trace.Ratings))
		for i, rt := range trace.Ratings {
			ratings = append(ratings, &model.Rating{
				CourseInstructorID: linkID,
				TraceID:            trace.TraceID,
				Position:           i,
				QuestionText:       rt.QuestionText,
				Category:           rt.Category,
				Responses:          rt.Responses,
				ResponseRate:       rt.ResponseRate,
				CourseMean:         rt.CourseMean,
				DeptMean:           rt.DeptMean,
				UnivMean:           rt.UnivMean,
				CourseMedian:       rt.CourseMedian,
				DeptMedian:         rt.DeptMedian,
				UnivMedian:         rt.UnivMedian,
			})
		}
		if err := tx.CreateInBatches(ratings, 200).Error; err != nil {
			return 0, classifyError("保存Rating", err)
		}
	}

	// 5. 评论
	if len(trace.Comments) > 0 {
		comments := make([]*model.Comment, 0, len(trace.Comments))
		for i, cm := range trace.Comments {
			comments = append(comments, &model.Comment{
				CourseInstructorID: linkID,
				TraceID:            trace.TraceID,
				Position:           i,
				Category:           cm.Category,
				QuestionText:       cm.QuestionText,
				ResponseNumber:     cm.ResponseNumber,
				CommentText:        cm.CommentText,
			})
		}
		if err := tx.CreateInBatches(comments, 200).Error; err != nil {
			return 0, classifyError("保存Comment", err)
		}
	}

	return courseID, nil
}

// lookupID 按唯一键查询 id（upsert 之后不依赖驱动回填的主键）
func lookupID(tx *gorm.DB, table interface{}, query string, args ...interface{}) (uint64, error) {
	var ids []uint64
	if err := tx.Model(table).Where(query, args...).Limit(1).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return ids[0], nil
}

// Ping 检查数据库连通性
func (r *TraceRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
