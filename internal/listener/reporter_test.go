package listener

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"TraceConsumer/internal/metrics"
	"TraceConsumer/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func headerMap(r *kgo.Record) map[string]string {
	out := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestDeadLetterReporter_ForwardsOriginalPayload(t *testing.T) {
	prod := &fakeProducer{}
	m := metrics.NewMetrics(nil)
	r := newDeadLetterReporter(prod, nil, "trace-survey-dlq", m)

	report := &model.FailureReport{
		Delivery: &model.Delivery{Topic: "trace-survey-processed", Partition: 2, Offset: 99, Key: []byte("k"), Value: []byte(`{"traceId":"T9"}`)},
		TraceID:  "T9",
		State:    "invalid",
		Attempts: 0,
		Err:      errors.New("消息校验失败"),
	}
	require.NoError(t, r.Report(context.Background(), report))

	require.Len(t, prod.records, 1)
	rec := prod.records[0]
	assert.Equal(t, "trace-survey-dlq", rec.Topic)
	assert.Equal(t, []byte("k"), rec.Key)
	assert.Equal(t, []byte(`{"traceId":"T9"}`), rec.Value)

	h := headerMap(rec)
	assert.Equal(t, "T9", h[HeaderTraceID])
	assert.Equal(t, "invalid", h[HeaderFailureState])
	assert.Equal(t, "消息校验失败", h[HeaderFailureError])
	assert.Equal(t, "trace-survey-processed", h[HeaderSourceTopic])
	assert.Equal(t, "2", h[HeaderSourcePart])
	assert.Equal(t, "99", h[HeaderSourceOffset])
	assert.NotEmpty(t, h[HeaderDeadLetterID])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters))
}

func TestDeadLetterReporter_ProduceError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("not enough replicas")}
	m := metrics.NewMetrics(nil)
	r := newDeadLetterReporter(prod, nil, "trace-survey-dlq", m)

	err := r.Report(context.Background(), &model.FailureReport{TraceID: "T9", State: "permanent_failure"})
	assert.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(m.DeadLetters))
}

func TestDeadLetterReporter_TruncatesErrorOnRuneBoundary(t *testing.T) {
	prod := &fakeProducer{}
	r := newDeadLetterReporter(prod, nil, "trace-survey-dlq", nil)

	long := "xy" + strings.Repeat("写入失败", 200)
	require.NoError(t, r.Report(context.Background(), &model.FailureReport{TraceID: "T9", State: "permanent_failure", Err: errors.New(long)}))

	got := headerMap(prod.records[0])[HeaderFailureError]
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxErrorHeaderBytes)
	assert.Greater(t, len(got), maxErrorHeaderBytes-utf8.UTFMax)
	assert.True(t, strings.HasPrefix(long, got))
}

func TestReporterChain_CallsAllReporters(t *testing.T) {
	failing := &captureReporter{err: errors.New("down")}
	ok := &captureReporter{}
	chain := ReporterChain{failing, ok, NewLogReporter(silentLogger())}

	err := chain.Report(context.Background(), &model.FailureReport{TraceID: "T1"})
	assert.Error(t, err)
	assert.Len(t, failing.reports, 1)
	assert.Len(t, ok.reports, 1)
}
