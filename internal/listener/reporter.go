package listener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"TraceConsumer/internal/config"
	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/metrics"
	"TraceConsumer/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// 死信消息头
const (
	HeaderDeadLetterID  = "x-dead-letter-id"
	HeaderTraceID       = "x-trace-id"
	HeaderFailureState  = "x-failure-state"
	HeaderFailureError  = "x-failure-error"
	HeaderFailureTries  = "x-failure-attempts"
	HeaderSourceTopic   = "x-source-topic"
	HeaderSourcePart    = "x-source-partition"
	HeaderSourceOffset  = "x-source-offset"
	maxErrorHeaderBytes = 1024
)

// LogReporter 永久失败只记录日志
type LogReporter struct {
	logger *logrus.Logger
}

func NewLogReporter(logger *logrus.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(_ context.Context, report *model.FailureReport) error {
	fields := logrus.Fields{
		"trace_id": report.TraceID,
		"state":    report.State,
		"attempts": report.Attempts,
	}
	if d := report.Delivery; d != nil {
		fields["topic"] = d.Topic
		fields["partition"] = d.Partition
		fields["offset"] = d.Offset
	}
	r.logger.WithFields(fields).WithError(report.Err).Error("消息永久失败，跳过")
	return nil
}

// producer 死信发送所需的 kgo.Client 方法
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// DeadLetterReporter 将永久失败的原始消息转发到死信 topic
type DeadLetterReporter struct {
	producer producer
	closer   func()
	topic    string
	metrics  *metrics.Metrics
}

// NewDeadLetterReporter 创建死信生产者
func NewDeadLetterReporter(cfg config.KafkaConfig, m *metrics.Metrics) (*DeadLetterReporter, error) {
	opts := append(clientOpts(cfg, "dlq"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(5),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("创建死信生产者失败: %w", err)
	}
	return newDeadLetterReporter(client, client.Close, cfg.DeadLetterTopic, m), nil
}

func newDeadLetterReporter(p producer, closer func(), topic string, m *metrics.Metrics) *DeadLetterReporter {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &DeadLetterReporter{producer: p, closer: closer, topic: topic, metrics: m}
}

// truncateUTF8 截断到不超过 n 字节，且不切断多字节字符
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *DeadLetterReporter) Report(ctx context.Context, report *model.FailureReport) error {
	rec := &kgo.Record{Topic: r.topic}
	errText := ""
	if report.Err != nil {
		errText = truncateUTF8(report.Err.Error(), maxErrorHeaderBytes)
	}
	headers := []kgo.RecordHeader{
		{Key: HeaderDeadLetterID, Value: []byte(uuid.NewString())},
		{Key: HeaderTraceID, Value: []byte(report.TraceID)},
		{Key: HeaderFailureState, Value: []byte(report.State)},
		{Key: HeaderFailureError, Value: []byte(errText)},
		{Key: HeaderFailureTries, Value: []byte(strconv.Itoa(report.Attempts))},
	}
	if d := report.Delivery; d != nil {
		rec.Key = d.Key
		rec.Value = d.Value
		headers = append(headers,
			kgo.RecordHeader{Key: HeaderSourceTopic, Value: []byte(d.Topic)},
			kgo.RecordHeader{Key: HeaderSourcePart, Value: []byte(strconv.FormatInt(int64(d.Partition), 10))},
			kgo.RecordHeader{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(d.Offset, 10))},
		)
	}
	rec.Headers = headers

	if err := r.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("写入死信topic %s 失败: %w", r.topic, err)
	}
	r.metrics.DeadLetters.Inc()
	return nil
}

func (r *DeadLetterReporter) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// ReporterChain 依次调用所有 reporter，单个失败不影响其余
type ReporterChain []interfaces.FailureReporter

func (c ReporterChain) Report(ctx context.Context, report *model.FailureReport) error {
	var errs []error
	for _, r := range c {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
