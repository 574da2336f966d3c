package model

import "time"

// Delivery 从队列取出的一条消息
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
	Epoch     int32 // leader epoch，提交 offset 时使用
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Info 消息位置，写入 processed_traces.delivery
func (d *Delivery) Info() *DeliveryInfo {
	if d == nil {
		return nil
	}
	return &DeliveryInfo{Topic: d.Topic, Partition: d.Partition, Offset: d.Offset}
}

// FailureReport 永久失败的消息，交给 FailureReporter 记录或转发
type FailureReport struct {
	Delivery *Delivery
	TraceID  string // 解析失败时可能为空
	State    string
	Attempts int
	Err      error
}
