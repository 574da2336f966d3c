package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"TraceConsumer/internal/config"
	"TraceConsumer/internal/interfaces"
	"TraceConsumer/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// KafkaSource 基于消费组的 Kafka 消息来源，关闭自动提交，offset 在处理结束后逐条提交
type KafkaSource struct {
	client         *kgo.Client
	maxPollRecords int
	commitMu       sync.Mutex
	logger         *logrus.Logger
}

var _ interfaces.QueueSource = (*KafkaSource)(nil)

// clientOpts 消费与死信生产共用的连接参数
func clientOpts(cfg config.KafkaConfig, role string) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(fmt.Sprintf("trace-consumer-%s-%s", role, uuid.NewString()[:8])),
		kgo.DialTimeout(10 * time.Second),
	}
	if cfg.AuthEnabled() {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsMechanism()))
	}
	return opts
}

// NewKafkaSource 创建消费者并加入消费组
func NewKafkaSource(cfg config.KafkaConfig, logger *logrus.Logger) (*KafkaSource, error) {
	opts := append(clientOpts(cfg, "consumer"),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.SessionTimeout(180*time.Second),
		kgo.RebalanceTimeout(300*time.Second),
		kgo.BlockRebalanceOnPoll(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者失败: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"brokers": strings.Join(cfg.Brokers, ","),
		"topic":   cfg.Topic,
		"group":   cfg.ConsumerGroup,
		"sasl":    cfg.AuthEnabled(),
	}).Info("Kafka消费者已创建")
	return &KafkaSource{
		client:         client,
		maxPollRecords: cfg.MaxPollRecords,
		logger:         logger,
	}, nil
}

// Poll 拉取下一批消息；ctx 取消时返回 ctx.Err()
// 拉取后消费组重平衡被阻塞，处理完一批后须调用 AllowRebalance
func (s *KafkaSource) Poll(ctx context.Context) ([]*model.Delivery, error) {
	fetches := s.client.PollRecords(ctx, s.maxPollRecords)
	if fetches.IsClientClosed() {
		return nil, errors.New("Kafka客户端已关闭")
	}
	if ctx.Err() != nil {
		s.client.AllowRebalance()
		return nil, ctx.Err()
	}
	out, err := s.collect(fetches)
	if err != nil {
		s.client.AllowRebalance()
		return nil, err
	}
	return out, nil
}

// collect 取出本次拉取的全部记录
// 分区错误可能与其他分区的记录一起返回，此时客户端已越过这些记录，只记录错误，记录照常交给处理
// 没有任何记录时才把错误返回给调用方退避
func (s *KafkaSource) collect(fetches kgo.Fetches) ([]*model.Delivery, error) {
	var out []*model.Delivery
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, &model.Delivery{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Epoch:     r.LeaderEpoch,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})

	errs := fetches.Errors()
	if len(errs) == 0 {
		return out, nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s[%d]: %v", e.Topic, e.Partition, e.Err))
	}
	joined := strings.Join(msgs, "; ")
	if len(out) == 0 {
		return nil, fmt.Errorf("拉取消息失败: %s", joined)
	}
	s.logger.WithField("records", len(out)).Warnf("部分分区拉取失败，其余记录继续处理: %s", joined)
	return out, nil
}

// Commit 提交该消息的 offset（下一条待消费位置为 offset+1）
func (s *KafkaSource) Commit(ctx context.Context, d *model.Delivery) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	rec := &kgo.Record{
		Topic:       d.Topic,
		Partition:   d.Partition,
		Offset:      d.Offset,
		LeaderEpoch: d.Epoch,
	}
	if err := s.client.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("提交offset失败 %s[%d]@%d: %w", d.Topic, d.Partition, d.Offset, err)
	}
	return nil
}

func (s *KafkaSource) AllowRebalance() {
	s.client.AllowRebalance()
}

// Ping 检查 broker 连通性
func (s *KafkaSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close 离开消费组并关闭连接
func (s *KafkaSource) Close() {
	s.client.Close()
}
