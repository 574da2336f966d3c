package listener

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

const testTopic = "trace-survey-processed"

func fetchOf(parts ...kgo.FetchPartition) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: testTopic, Partitions: parts}}}}
}

func recordsAt(partition int32, offsets ...int64) []*kgo.Record {
	out := make([]*kgo.Record, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, &kgo.Record{Topic: testTopic, Partition: partition, Offset: o, Value: []byte("{}")})
	}
	return out
}

func TestKafkaSource_CollectKeepsRecordsAlongsidePartitionErrors(t *testing.T) {
	s := &KafkaSource{logger: silentLogger()}
	fetches := fetchOf(
		kgo.FetchPartition{Partition: 0, Records: recordsAt(0, 10, 11)},
		kgo.FetchPartition{Partition: 1, Records: recordsAt(1, 4)},
		kgo.FetchPartition{Partition: 2, Err: &kgo.ErrDataLoss{Topic: testTopic, Partition: 2, ConsumedTo: 50, ResetTo: 40}},
	)

	out, err := s.collect(fetches)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(10), out[0].Offset)
	assert.Equal(t, int64(11), out[1].Offset)
	assert.Equal(t, int32(1), out[2].Partition)
	assert.Equal(t, testTopic, out[2].Topic)
}

func TestKafkaSource_CollectReturnsErrorWithoutRecords(t *testing.T) {
	s := &KafkaSource{logger: silentLogger()}
	fetches := fetchOf(kgo.FetchPartition{Partition: 2, Err: errors.New("not leader for partition")})

	out, err := s.collect(fetches)
	require.Error(t, err)
	assert.Contains(t, err.Error(), testTopic+"[2]")
	assert.Empty(t, out)
}

func TestKafkaSource_CollectNoErrors(t *testing.T) {
	s := &KafkaSource{logger: silentLogger()}
	out, err := s.collect(fetchOf(kgo.FetchPartition{Partition: 0, Records: recordsAt(0, 1)}))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
