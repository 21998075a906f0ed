package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/scheduler"
	"github.com/IliaW/site-cloner/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitCall struct {
	seed string
	opts scheduler.Options
}

type fakeSubmitter struct {
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) StartClone(_ context.Context, seed string, opts scheduler.Options) (string, error) {
	f.calls = append(f.calls, submitCall{seed: seed, opts: opts})
	if f.err != nil {
		return "", f.err
	}
	return "job-1", nil
}

func newTestConsumer(s TaskSubmitter) *KafkaConsumerClient {
	metrics := &telemetry.KafkaConsumerMetrics{
		SuccessfullyReadMsgCnt: func(int64) {},
		FailedReadMsgCnt:       func(int64) {},
	}
	return NewKafkaConsumer(s, scheduler.Options{MaxPages: 10, IncludeAssets: true}, metrics, nil, nil)
}

func TestConsumer_Process(t *testing.T) {
	t.Run("defaults apply", func(t *testing.T) {
		s := &fakeSubmitter{}
		require.NoError(t, newTestConsumer(s).process(context.Background(), []byte(`{"url":"https://example.com"}`)))
		require.Len(t, s.calls, 1)
		assert.Equal(t, submitCall{seed: "https://example.com", opts: scheduler.Options{MaxPages: 10, IncludeAssets: true}},
			s.calls[0])
	})

	t.Run("task overrides defaults", func(t *testing.T) {
		s := &fakeSubmitter{}
		msg := []byte(`{"url":"https://example.com","max_pages":3,"include_assets":false}`)
		require.NoError(t, newTestConsumer(s).process(context.Background(), msg))
		require.Len(t, s.calls, 1)
		assert.Equal(t, scheduler.Options{MaxPages: 3, IncludeAssets: false}, s.calls[0].opts)
	})

	t.Run("malformed messages are rejected", func(t *testing.T) {
		s := &fakeSubmitter{}
		c := newTestConsumer(s)
		assert.ErrorIs(t, c.process(context.Background(), []byte(`not json`)), errMalformedTask)
		assert.ErrorIs(t, c.process(context.Background(), []byte(`{"max_pages":1}`)), errMalformedTask)
		assert.Empty(t, s.calls)
	})

	t.Run("submit errors are returned", func(t *testing.T) {
		s := &fakeSubmitter{err: model.ErrInvalidInput}
		err := newTestConsumer(s).process(context.Background(), []byte(`{"url":"ftp://example.com"}`))
		assert.True(t, errors.Is(err, model.ErrInvalidInput))
	})
}

func TestNewMessage(t *testing.T) {
	event := &model.JobEvent{
		JobID:       "job-1",
		SeedURL:     "https://example.com",
		Status:      model.StatusCompleted,
		TotalPages:  2,
		TotalAssets: 5,
		ArchiveKey:  "archives/example.com/job-1/example.com.zip",
		FinishedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	msg, err := newMessage(event)
	require.NoError(t, err)
	assert.Equal(t, []byte("job-1"), msg.Key)

	var decoded model.JobEvent
	require.NoError(t, jsoniter.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, *event, decoded)
}
