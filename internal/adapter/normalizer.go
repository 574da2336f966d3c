package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/model"

	"github.com/go-playground/validator/v10"
)

// TraceNormalizer 解析 trace-survey-processed 消息并校验字段
type TraceNormalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

var _ interfaces.RecordNormalizer = (*TraceNormalizer)(nil)

func NewTraceNormalizer() *TraceNormalizer {
	v := validator.New()
	// 错误路径使用 JSON 字段名（course.enrollment 而不是 Course.Enrollment）
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return &TraceNormalizer{validate: v, now: time.Now}
}

// Normalize 两阶段解析：先解析外壳判断是否为上游失败的 trace，再完整解析并校验
func (n *TraceNormalizer) Normalize(payload []byte) (*model.Trace, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, &model.ValidationError{Err: errors.New("消息体为空")}
	}

	var env model.TraceEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &model.ValidationError{Err: fmt.Errorf("JSON解析失败: %w", err)}
	}

	// 上游标记失败：只要求 traceId
	if env.Error != nil && strings.TrimSpace(*env.Error) != "" {
		if strings.TrimSpace(env.TraceID) == "" {
			return nil, &model.ValidationError{
				Fields: []model.FieldError{{Field: "traceId", Reason: "不能为空"}},
			}
		}
		return &model.Trace{
			TraceID:       env.TraceID,
			ProcessedAt:   n.lenientTime(env.ProcessedAt),
			UpstreamError: *env.Error,
		}, nil
	}

	var msg model.TraceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &model.ValidationError{TraceID: env.TraceID, Err: fmt.Errorf("JSON解析失败: %w", err)}
	}
	if err := n.validate.Struct(&msg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, &model.ValidationError{TraceID: msg.TraceID, Err: err}
		}
		fields := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, model.FieldError{Field: fieldPath(fe), Reason: reason(fe)})
		}
		return nil, &model.ValidationError{TraceID: msg.TraceID, Fields: fields}
	}
	return toTrace(&msg), nil
}

// lenientTime 上游失败的 trace 的 processedAt 解析失败时使用当前时间
func (n *TraceNormalizer) lenientTime(raw json.RawMessage) time.Time {
	if len(raw) > 0 {
		var ts model.Timestamp
		if err := json.Unmarshal(raw, &ts); err == nil && !ts.IsZero() {
			return ts.Time
		}
	}
	return n.now().UTC()
}

// fieldPath 去掉命名空间首段的结构体名：TraceMessage.ratings[2].responseRate → ratings[2].responseRate
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "缺失"
	case "notblank":
		return "不能为空"
	case "gte":
		return "必须 >= " + fe.Param()
	case "lte":
		return "必须 <= " + fe.Param()
	case "finite":
		return "必须是有限数值"
	default:
		return "校验失败(" + fe.Tag() + ")"
	}
}

// toTrace 校验通过后转换为领域模型，指针字段此时均非 nil
func toTrace(msg *model.TraceMessage) *model.Trace {
	c := msg.Course
	trace := &model.Trace{
		TraceID:     msg.TraceID,
		ProcessedAt: msg.ProcessedAt.Time,
		Course: model.CourseData{
			CourseID:         c.CourseID,
			CourseName:       c.CourseName,
			Subject:          c.Subject,
			CatalogSection:   c.CatalogSection,
			Semester:         c.Semester,
			Year:             *c.Year,
			Enrollment:       *c.Enrollment,
			Responses:        *c.Responses,
			Declines:         *c.Declines,
			ProcessedAt:      c.ProcessedAt.Time,
			OriginalFileName: c.OriginalFileName,
			GCSBucket:        c.GCSBucket,
			GCSPath:          c.GCSPath,
		},
		Instructor: model.InstructorData{Name: msg.Instructor.Name},
		Ratings:    make([]model.RatingData, 0, len(msg.Ratings)),
		Comments:   make([]model.CommentData, 0, len(msg.Comments)),
	}
	for _, r := range msg.Ratings {
		trace.Ratings = append(trace.Ratings, model.RatingData{
			QuestionText: r.QuestionText,
			Category:     r.Category,
			Responses:    *r.Responses,
			ResponseRate: *r.ResponseRate,
			CourseMean:   *r.CourseMean,
			DeptMean:     *r.DeptMean,
			UnivMean:     *r.UnivMean,
			CourseMedian: *r.CourseMedian,
			DeptMedian:   *r.DeptMedian,
			UnivMedian:   *r.UnivMedian,
		})
	}
	for _, cm := range msg.Comments {
		trace.Comments = append(trace.Comments, model.CommentData{
			Category:       cm.Category,
			QuestionText:   cm.QuestionText,
			ResponseNumber: *cm.ResponseNumber,
			CommentText:    cm.CommentText,
		})
	}
	return trace
}
