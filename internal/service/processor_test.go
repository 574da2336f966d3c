package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TraceConsumer/internal/config"
	"TraceConsumer/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNormalizer struct {
	trace *model.Trace
	err   error
}

func (s *stubNormalizer) Normalize(_ []byte) (*model.Trace, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.trace
	return &cp, nil
}

// scriptedStore 按顺序返回预设错误，之后成功
type scriptedStore struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	applied []*model.Trace
	result  model.ApplyResult
}

func (s *scriptedStore) ApplyTrace(_ context.Context, trace *model.Trace) (model.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.errs) {
		return 0, s.errs[s.calls-1]
	}
	s.applied = append(s.applied, trace)
	return s.result, nil
}

func (s *scriptedStore) Ping(context.Context) error { return nil }

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func timeoutErr() error {
	return &model.TransientStorageError{Op: "保存Course", Err: context.DeadlineExceeded}
}

func newTestProcessor(store *scriptedStore, policy RetryPolicy) (*TraceProcessor, *recordingSleeper) {
	norm := &stubNormalizer{trace: &model.Trace{TraceID: "T1"}}
	p := NewTraceProcessor(norm, store, policy, nil, testLogger())
	sl := &recordingSleeper{}
	p.SetSleeper(sl.Sleep)
	return p, sl
}

func delivery() *model.Delivery {
	return &model.Delivery{Topic: "trace-survey-processed", Partition: 3, Offset: 17, Value: []byte(`{}`)}
}

func TestProcess_TwoTransientFailuresThenSuccess(t *testing.T) {
	store := &scriptedStore{errs: []error{timeoutErr(), timeoutErr()}, result: model.ApplyResultApplied}
	p, sl := newTestProcessor(store, RetryPolicy{MaxRetries: 3, Backoff: time.Second, Strategy: config.RetryStrategyConstant})

	out := p.Process(context.Background(), delivery())
	assert.Equal(t, StateCommitted, out.State)
	assert.Equal(t, model.ApplyResultApplied, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, out.Delays)
	assert.Equal(t, out.Delays, sl.delays)
	assert.NoError(t, out.Err)
	assert.True(t, out.Terminal())
	assert.False(t, out.Failed())

	require.Len(t, store.applied, 1)
	assert.Equal(t, &model.DeliveryInfo{Topic: "trace-survey-processed", Partition: 3, Offset: 17}, store.applied[0].Delivery)
}

func TestProcess_RetriesExhausted(t *testing.T) {
	store := &scriptedStore{errs: []error{timeoutErr(), timeoutErr(), timeoutErr(), timeoutErr(), timeoutErr()}}
	p, _ := newTestProcessor(store, RetryPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond, Strategy: config.RetryStrategyConstant})

	out := p.Process(context.Background(), delivery())
	assert.Equal(t, StatePermanentFailure, out.State)
	assert.Equal(t, 4, out.Attempts)
	assert.Len(t, out.Delays, 3)
	assert.True(t, model.IsRetryable(out.Err))
	assert.True(t, out.Terminal())
	assert.True(t, out.Failed())
	assert.Equal(t, 4, store.calls)
}

func TestProcess_ZeroRetries(t *testing.T) {
	store := &scriptedStore{errs: []error{timeoutErr()}}
	p, sl := newTestProcessor(store, RetryPolicy{MaxRetries: 0, Backoff: time.Second})

	out := p.Process(context.Background(), delivery())
	assert.Equal(t, StatePermanentFailure, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, sl.delays)
}

func TestProcess_ConstraintViolationIsNotRetried(t *testing.T) {
	violation := &model.ConstraintViolation{Op: "保存Rating", Constraint: "ratings_course_instructor_id_fkey", Err: errors.New("fk")}
	store := &scriptedStore{errs: []error{violation}}
	p, sl := newTestProcessor(store, RetryPolicy{MaxRetries: 3, Backoff: time.Second})

	out := p.Process(context.Background(), delivery())
	assert.Equal(t, StatePermanentFailure, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, sl.delays)
	assert.ErrorIs(t, out.Err, violation)
}

func TestProcess_InvalidMessageNeverReachesStore(t *testing.T) {
	store := &scriptedStore{}
	verr := &model.ValidationError{TraceID: "T9", Fields: []model.FieldError{{Field: "course.enrollment", Reason: "缺失"}}}
	p := NewTraceProcessor(&stubNormalizer{err: verr}, store, RetryPolicy{MaxRetries: 3}, nil, testLogger())

	out := p.Process(context.Background(), delivery())
	assert.Equal(t, StateInvalid, out.State)
	assert.Equal(t, "T9", out.TraceID)
	assert.Zero(t, out.Attempts)
	assert.Zero(t, store.calls)
	assert.True(t, out.Failed())
}

func TestProcess_DuplicateAndRaceAreCommitted(t *testing.T) {
	for _, result := range []model.ApplyResult{model.ApplyResultDuplicate, model.ApplyResultRaceLost} {
		store := &scriptedStore{result: result}
		p, _ := newTestProcessor(store, RetryPolicy{MaxRetries: 3})
		out := p.Process(context.Background(), delivery())
		assert.Equal(t, StateCommitted, out.State, result.String())
		assert.Equal(t, result, out.Result)
	}
}

func TestProcess_CanceledContextIsInterrupted(t *testing.T) {
	store := &scriptedStore{errs: []error{timeoutErr()}}
	p, _ := newTestProcessor(store, RetryPolicy{MaxRetries: 3, Backoff: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	p.SetSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	out := p.Process(ctx, delivery())
	assert.Equal(t, StateInterrupted, out.State)
	assert.False(t, out.Terminal())
	assert.Equal(t, 1, store.calls)
}

func TestRetryPolicy_ExponentialIsMonotonicAndCapped(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 6, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second, Strategy: config.RetryStrategyExponential}
	bo := policy.NewBackOff()

	var prev time.Duration
	var got []time.Duration
	for i := 0; i < 6; i++ {
		d := bo.NextBackOff()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
		got = append(got, d)
	}
	assert.Equal(t, 100*time.Millisecond, got[0])
	assert.Equal(t, 200*time.Millisecond, got[1])
	assert.Equal(t, time.Second, got[5])
}

func TestRetryPolicy_ConstantByDefault(t *testing.T) {
	bo := PolicyFromConfig(config.RetryConfig{MaxRetries: 3, Backoff: 250 * time.Millisecond}).NewBackOff()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 250*time.Millisecond, bo.NextBackOff())
	}
}

func TestSleepContext_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}
