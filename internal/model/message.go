package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TraceEnvelope 先解析的消息外壳：判断是否为上游处理失败的 trace
// processedAt 保留原始值，上游失败的 trace 中该字段格式不可靠
type TraceEnvelope struct {
	TraceID     string          `json:"traceId"`
	Error       *string         `json:"error"`
	ProcessedAt json.RawMessage `json:"processedAt"`
}

// TraceMessage Kafka 消息原始结构（trace-survey-processed）
// 数值字段用指针，区分“缺失”与“零值”
type TraceMessage struct {
	TraceID     string             `json:"traceId" validate:"notblank"`
	Course      *CourseMessage     `json:"course" validate:"required"`
	Instructor  *InstructorMessage `json:"instructor" validate:"required"`
	Ratings     []RatingMessage    `json:"ratings" validate:"dive"`
	Comments    []CommentMessage   `json:"comments" validate:"dive"`
	ProcessedAt *Timestamp         `json:"processedAt" validate:"required"`
	Error       *string            `json:"error"`
}

// CourseMessage 课程信息
type CourseMessage struct {
	CourseID         string     `json:"courseId" validate:"notblank"`
	CourseName       string     `json:"courseName" validate:"notblank"`
	Subject          string     `json:"subject" validate:"notblank"`
	CatalogSection   string     `json:"catalogSection" validate:"notblank"`
	Semester         string     `json:"semester" validate:"notblank"`
	Year             *int       `json:"year" validate:"required,gte=1900,lte=9999"`
	Enrollment       *int       `json:"enrollment" validate:"required,gte=0"`
	Responses        *int       `json:"responses" validate:"required,gte=0"`
	Declines         *int       `json:"declines" validate:"required,gte=0"`
	ProcessedAt      *Timestamp `json:"processedAt" validate:"required"`
	OriginalFileName string     `json:"originalFileName" validate:"notblank"`
	GCSBucket        string     `json:"gcsBucket" validate:"notblank"`
	GCSPath          string     `json:"gcsPath" validate:"notblank"`
}

// InstructorMessage 教师信息
type InstructorMessage struct {
	Name string `json:"name" validate:"notblank"`
}

// RatingMessage 单个评分问题的统计
type RatingMessage struct {
	QuestionText string   `json:"questionText" validate:"notblank"`
	Category     string   `json:"category" validate:"notblank"`
	Responses    *int     `json:"responses" validate:"required,gte=0"`
	ResponseRate *float64 `json:"responseRate" validate:"required,finite,gte=0,lte=1"`
	CourseMean   *float64 `json:"courseMean" validate:"required,finite"`
	DeptMean     *float64 `json:"deptMean" validate:"required,finite"`
	UnivMean     *float64 `json:"univMean" validate:"required,finite"`
	CourseMedian *float64 `json:"courseMedian" validate:"required,finite"`
	DeptMedian   *float64 `json:"deptMedian" validate:"required,finite"`
	UnivMedian   *float64 `json:"univMedian" validate:"required,finite"`
}

// CommentMessage 学生评论
type CommentMessage struct {
	Category       string `json:"category" validate:"notblank"`
	QuestionText   string `json:"questionText" validate:"notblank"`
	ResponseNumber *int   `json:"responseNumber" validate:"required,gte=0"`
	CommentText    string `json:"commentText" validate:"notblank"`
}

// timestampLayouts 上游会发出带时区和不带时区两种 ISO 格式，不带时区的按 UTC 处理
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp 兼容多种 ISO 格式的时间
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("时间字段必须是字符串: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp 按 timestampLayouts 依次尝试解析
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("时间字段为空")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间: %q", s)
}
