package model

import (
	"time"

	"gorm.io/datatypes"
)

// Instructor 教师表，name 唯一（大小写敏感，原样比较）
type Instructor struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;type:varchar(256);uniqueIndex:uq_instructors_name;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// Course 课程表，course_id 唯一；重复入库时覆盖全部可变属性
type Course struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID         string    `gorm:"column:course_id;type:varchar(128);uniqueIndex:uq_courses_course_id;not null"`
	CourseName       string    `gorm:"column:course_name;type:varchar(512);not null"`
	Subject          string    `gorm:"column:subject;type:varchar(128);not null"`
	CatalogSection   string    `gorm:"column:catalog_section;type:varchar(128);not null"`
	Semester         string    `gorm:"column:semester;type:varchar(32);not null"`
	Year             int       `gorm:"column:year;not null"`
	Enrollment       int       `gorm:"column:enrollment;not null"`
	Responses        int       `gorm:"column:responses;not null"`
	Declines         int       `gorm:"column:declines;not null"`
	ProcessedAt      time.Time `gorm:"column:processed_at;type:timestamp;not null"`
	OriginalFileName string    `gorm:"column:original_file_name;type:varchar(512);not null"`
	GCSBucket        string    `gorm:"column:gcs_bucket;type:varchar(256);not null"`
	GCSPath          string    `gorm:"column:gcs_path;type:varchar(1024);not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// 外键 course_instructors.course_id → courses.id 从这一侧声明
	// Course 自身也有 course_id 列，在关联表上写 belongs-to 会被解析成反向的 has-one
	CourseInstructors []CourseInstructor `gorm:"foreignKey:CourseID;constraint:OnDelete:RESTRICT"`
}

// CourseInstructor 课程与教师的关联，(course_id, instructor_id) 唯一
type CourseInstructor struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID     uint64    `gorm:"column:course_id;not null;uniqueIndex:uq_course_instructor"`
	InstructorID uint64    `gorm:"column:instructor_id;not null;uniqueIndex:uq_course_instructor;index"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`

	Instructor *Instructor `gorm:"foreignKey:InstructorID;constraint:OnDelete:RESTRICT"`
}

// Rating 评分统计，每个 trace 写一次，不更新
type Rating struct {
	ID                 uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CourseInstructorID uint64    `gorm:"column:course_instructor_id;not null;index"`
	TraceID            string    `gorm:"column:trace_id;type:varchar(128);not null;index"`
	Position           int       `gorm:"column:position;not null"` // 在消息 ratings 数组中的下标
	QuestionText       string    `gorm:"column:question_text;type:text;not null"`
	Category           string    `gorm:"column:category;type:varchar(256);not null"`
	Responses          int       `gorm:"column:responses;not null"`
	ResponseRate       float64   `gorm:"column:response_rate;type:numeric(6,5);not null"`
	CourseMean         float64   `gorm:"column:course_mean;not null"`
	DeptMean           float64   `gorm:"column:dept_mean;not null"`
	UnivMean           float64   `gorm:"column:univ_mean;not null"`
	CourseMedian       float64   `gorm:"column:course_median;not null"`
	DeptMedian         float64   `gorm:"column:dept_median;not null"`
	UnivMedian         float64   `gorm:"column:univ_median;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`

	CourseInstructor *CourseInstructor `gorm:"foreignKey:CourseInstructorID;constraint:OnDelete:RESTRICT"`
}

// Comment 学生评论，每个 trace 写一次，不更新
type Comment struct {
	ID                 uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CourseInstructorID uint64    `gorm:"column:course_instructor_id;not null;index"`
	TraceID            string    `gorm:"column:trace_id;type:varchar(128);not null;index"`
	Position           int       `gorm:"column:position;not null"` // 在消息 comments 数组中的下标
	Category           string    `gorm:"column:category;type:varchar(256);not null"`
	QuestionText       string    `gorm:"column:question_text;type:text;not null"`
	ResponseNumber     int       `gorm:"column:response_number;not null"`
	CommentText        string    `gorm:"column:comment_text;type:text;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`

	CourseInstructor *CourseInstructor `gorm:"foreignKey:CourseInstructorID;constraint:OnDelete:RESTRICT"`
}

const (
	TraceStatusSuccess = "success"
	TraceStatusError   = "error"
)

// ProcessedTrace 已处理的 trace，存在即证明该 trace 的全部写入已提交
// 与数据写入在同一事务内最后写入；只插入，不更新不删除
type ProcessedTrace struct {
	ID           uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	TraceID      string         `gorm:"column:trace_id;type:varchar(128);uniqueIndex:uq_processed_traces_trace_id;not null"`
	CourseID     *uint64        `gorm:"column:course_id"` // 上游失败的 trace 为空
	ProcessedAt  time.Time      `gorm:"column:processed_at;type:timestamp;not null;index"`
	Status       string         `gorm:"column:status;type:varchar(16);not null"`
	ErrorMessage *string        `gorm:"column:error_message;type:text"`
	Delivery     datatypes.JSON `gorm:"column:delivery"` // {"topic","partition","offset"}
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Instructor) TableName() string       { return "instructors" }
func (Course) TableName() string           { return "courses" }
func (CourseInstructor) TableName() string { return "course_instructors" }
func (Rating) TableName() string           { return "ratings" }
func (Comment) TableName() string          { return "comments" }
func (ProcessedTrace) TableName() string   { return "processed_traces" }

// AllTables 按依赖顺序排列，供 AutoMigrate 使用
func AllTables() []interface{} {
	return []interface{}{
		&Instructor{},
		&Course{},
		&CourseInstructor{},
		&Rating{},
		&Comment{},
		&ProcessedTrace{},
	}
}
