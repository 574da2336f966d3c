package adapter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"TraceConsumer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMessage = `{
  "traceId": "T1",
  "course": {
    "courseId": "CS101-F23",
    "courseName": "Intro to Computer Science",
    "subject": "CS",
    "catalogSection": "101-01",
    "semester": "Fall",
    "year": 2023,
    "enrollment": 25,
    "responses": 20,
    "declines": 1,
    "processedAt": "2023-12-15T10:30:00Z",
    "originalFileName": "cs101_fall2023.pdf",
    "gcsBucket": "survey-bucket",
    "gcsPath": "2023/fall/cs101_fall2023.pdf"
  },
  "instructor": {"name": "Jane Doe"},
  "ratings": [{
    "questionText": "Overall quality of the course",
    "category": "Course",
    "responses": 20,
    "responseRate": 0.8,
    "courseMean": 4.5,
    "deptMean": 4.1,
    "univMean": 4.0,
    "courseMedian": 5,
    "deptMedian": 4,
    "univMedian": 4
  }],
  "comments": [{
    "category": "Course",
    "questionText": "What did you like?",
    "responseNumber": 1,
    "commentText": "Great lectures"
  }],
  "processedAt": "2023-12-15T10:30:00.123456"
}`

// mutate 解析 validMessage，修改后重新序列化
func mutate(t *testing.T, fn func(m map[string]interface{})) []byte {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(validMessage), &m))
	fn(m)
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	out := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		out = append(out, f.Field)
	}
	return out
}

func TestNormalize_ValidMessage(t *testing.T) {
	n := NewTraceNormalizer()
	trace, err := n.Normalize([]byte(validMessage))
	require.NoError(t, err)

	assert.Equal(t, "T1", trace.TraceID)
	assert.False(t, trace.HasUpstreamError())
	assert.Equal(t, "CS101-F23", trace.Course.CourseID)
	assert.Equal(t, 2023, trace.Course.Year)
	assert.Equal(t, 25, trace.Course.Enrollment)
	assert.Equal(t, time.Date(2023, 12, 15, 10, 30, 0, 0, time.UTC), trace.Course.ProcessedAt)
	assert.Equal(t, time.Date(2023, 12, 15, 10, 30, 0, 123456000, time.UTC), trace.ProcessedAt)
	assert.Equal(t, "Jane Doe", trace.Instructor.Name)
	require.Len(t, trace.Ratings, 1)
	assert.InDelta(t, 0.8, trace.Ratings[0].ResponseRate, 1e-9)
	require.Len(t, trace.Comments, 1)
	assert.Equal(t, "Great lectures", trace.Comments[0].CommentText)
}

func TestNormalize_ErrorMarkedTrace(t *testing.T) {
	n := NewTraceNormalizer()
	trace, err := n.Normalize([]byte(`{"traceId":"T2","error":"upstream parse failure"}`))
	require.NoError(t, err)
	assert.Equal(t, "T2", trace.TraceID)
	assert.True(t, trace.HasUpstreamError())
	assert.Equal(t, "upstream parse failure", trace.UpstreamError)
	assert.False(t, trace.ProcessedAt.IsZero())
}

func TestNormalize_ErrorMarkedTraceKeepsProcessedAt(t *testing.T) {
	n := NewTraceNormalizer()
	trace, err := n.Normalize([]byte(`{"traceId":"T2","error":"boom","processedAt":"2024-01-02 03:04:05"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), trace.ProcessedAt)
}

func TestNormalize_ErrorMarkedTraceWithUnparsableProcessedAt(t *testing.T) {
	n := NewTraceNormalizer()
	fixed := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }
	trace, err := n.Normalize([]byte(`{"traceId":"T2","error":"boom","processedAt":"yesterday"}`))
	require.NoError(t, err)
	assert.Equal(t, fixed, trace.ProcessedAt)
}

func TestNormalize_ErrorMarkedTraceRequiresTraceID(t *testing.T) {
	n := NewTraceNormalizer()
	_, err := n.Normalize([]byte(`{"traceId":"  ","error":"boom"}`))
	assert.Equal(t, []string{"traceId"}, fieldsOf(t, err))
}

func TestNormalize_BlankErrorIsIgnored(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) { m["error"] = "" })
	trace, err := n.Normalize(payload)
	require.NoError(t, err)
	assert.False(t, trace.HasUpstreamError())
}

func TestNormalize_MissingFields(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		course := m["course"].(map[string]interface{})
		delete(course, "enrollment")
		course["courseName"] = "   "
		delete(m, "instructor")
	})
	_, err := n.Normalize(payload)
	assert.ElementsMatch(t, []string{"course.courseName", "course.enrollment", "instructor"}, fieldsOf(t, err))
}

func TestNormalize_RatingOutOfRange(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		r := m["ratings"].([]interface{})[0].(map[string]interface{})
		r["responseRate"] = 1.5
		r["responses"] = -1
	})
	_, err := n.Normalize(payload)
	assert.ElementsMatch(t, []string{"ratings[0].responseRate", "ratings[0].responses"}, fieldsOf(t, err))
}

func TestNormalize_NegativeCount(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		m["course"].(map[string]interface{})["declines"] = -3
	})
	_, err := n.Normalize(payload)
	assert.Equal(t, []string{"course.declines"}, fieldsOf(t, err))
}

func TestNormalize_ZeroCountsAreValid(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		course := m["course"].(map[string]interface{})
		course["enrollment"] = 0
		course["responses"] = 0
		course["declines"] = 0
	})
	trace, err := n.Normalize(payload)
	require.NoError(t, err)
	assert.Zero(t, trace.Course.Enrollment)
}

func TestNormalize_EmptyAndAbsentSequences(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		m["ratings"] = []interface{}{}
		delete(m, "comments")
	})
	trace, err := n.Normalize(payload)
	require.NoError(t, err)
	assert.Empty(t, trace.Ratings)
	assert.Empty(t, trace.Comments)
}

func TestNormalize_MalformedPayload(t *testing.T) {
	n := NewTraceNormalizer()
	for _, payload := range []string{"", "not json", `{"traceId":`, `[1,2,3]`} {
		_, err := n.Normalize([]byte(payload))
		assert.True(t, model.IsValidation(err), "payload %q", payload)
	}
}

func TestNormalize_WrongTypes(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		m["course"].(map[string]interface{})["year"] = "2023"
	})
	_, err := n.Normalize(payload)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "T1", verr.TraceID)
	assert.Error(t, verr.Err)
}

func TestNormalize_BadTimestamp(t *testing.T) {
	n := NewTraceNormalizer()
	payload := mutate(t, func(m map[string]interface{}) {
		m["course"].(map[string]interface{})["processedAt"] = "15/12/2023"
	})
	_, err := n.Normalize(payload)
	assert.True(t, model.IsValidation(err))
}

func TestParseTimestamp_Formats(t *testing.T) {
	want := time.Date(2023, 12, 15, 10, 30, 0, 0, time.UTC)
	for _, s := range []string{
		"2023-12-15T10:30:00Z",
		"2023-12-15T12:30:00+02:00",
		"2023-12-15T10:30:00",
		"2023-12-15 10:30:00",
		"2023-12-15T10:30:00.000000",
	} {
		got, err := model.ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s → %s", s, got)
		assert.Equal(t, time.UTC, got.Location())
	}
}
