package model

import "time"

// Trace 校验通过后的 trace，下游组件不再重复校验
type Trace struct {
	TraceID       string
	ProcessedAt   time.Time
	UpstreamError string // 非空表示上游处理失败，只记录 processed_traces
	Course        CourseData
	Instructor    InstructorData
	Ratings       []RatingData
	Comments      []CommentData
	Delivery      *DeliveryInfo // 消息来源（topic/partition/offset），可为 nil
}

// HasUpstreamError 上游是否标记该 trace 处理失败
func (t *Trace) HasUpstreamError() bool {
	return t.UpstreamError != ""
}

// CourseData 课程可变属性，重复入库时整体覆盖
type CourseData struct {
	CourseID         string
	CourseName       string
	Subject          string
	CatalogSection   string
	Semester         string
	Year             int
	Enrollment       int
	Responses        int
	Declines         int
	ProcessedAt      time.Time
	OriginalFileName string
	GCSBucket        string
	GCSPath          string
}

type InstructorData struct {
	Name string
}

type RatingData struct {
	QuestionText string
	Category     string
	Responses    int
	ResponseRate float64
	CourseMean   float64
	DeptMean     float64
	UnivMean     float64
	CourseMedian float64
	DeptMedian   float64
	UnivMedian   float64
}

type CommentData struct {
	Category       string
	QuestionText   string
	ResponseNumber int
	CommentText    string
}

// DeliveryInfo 消息在队列中的位置，写入 processed_traces.delivery 便于排查
type DeliveryInfo struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// ApplyResult 一次入库事务的结果
type ApplyResult int

const (
	ApplyResultApplied       ApplyResult = iota // 数据已写入并提交
	ApplyResultErrorRecorded                    // 上游失败的 trace，只写了 processed_traces
	ApplyResultDuplicate                        // 事务内预检发现已处理，未写任何数据
	ApplyResultRaceLost                         // 写 processed_traces 时被其他事务抢先，已回滚
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyResultApplied:
		return "applied"
	case ApplyResultErrorRecorded:
		return "error_recorded"
	case ApplyResultDuplicate:
		return "duplicate"
	case ApplyResultRaceLost:
		return "race_lost"
	default:
		return "unknown"
	}
}

// Wrote 本次事务是否真正提交了新数据
func (r ApplyResult) Wrote() bool {
	return r == ApplyResultApplied || r == ApplyResultErrorRecorded
}
