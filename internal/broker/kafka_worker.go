package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/site-cloner/config"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/scheduler"
	"github.com/IliaW/site-cloner/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var errMalformedTask = errors.New("malformed clone task")

type KafkaProducerClient struct {
	eventChan   <-chan *model.JobEvent
	kafkaWriter *kafka.Writer
	metrics     *telemetry.KafkaProducerMetrics
	cfg         *config.ProducerConfig
	wg          *sync.WaitGroup
}

func NewKafkaProducer(eventChan <-chan *model.JobEvent, metrics *telemetry.KafkaProducerMetrics,
	cfg *config.ProducerConfig, wg *sync.WaitGroup) *KafkaProducerClient {
	kafkaWriter := kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return &KafkaProducerClient{
		eventChan:   eventChan,
		kafkaWriter: &kafkaWriter,
		metrics:     metrics,
		cfg:         cfg,
		wg:          wg,
	}
}

// Run batches job events until eventChan is closed, then flushes the rest.
func (p *KafkaProducerClient) Run() {
	slog.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))
	defer func() {
		err := p.kafkaWriter.Close()
		if err != nil {
			slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()
	defer p.wg.Done()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	for {
		select {
		case <-batchTicker.C:
			if len(batch) == 0 {
				continue
			}
			p.writeMessage(batch)
			batch = batch[:0]
		case event, ok := <-p.eventChan:
			if !ok {
				if len(batch) > 0 {
					p.writeMessage(batch)
				}
				slog.Info("stopping kafka writer.")
				return
			}
			msg, err := newMessage(event)
			if err != nil {
				slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("event", event))
				p.metrics.FailedSendMsgCnt(1)
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= p.cfg.BatchSize {
				p.writeMessage(batch)
				batch = batch[:0]
				batchTicker.Reset(p.cfg.BatchTimeout)
			}
		}
	}
}

func (p *KafkaProducerClient) writeMessage(batch []kafka.Message) {
	err := p.kafkaWriter.WriteMessages(context.Background(), batch...)
	if err != nil {
		slog.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
		p.metrics.FailedSendMsgCnt(int64(len(batch)))
		return
	}
	p.metrics.SuccessfullySendMsgCnt(int64(len(batch)))
	slog.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
}

// newMessage keys events by job id so all events of a job share a partition.
func newMessage(event *model.JobEvent) (kafka.Message, error) {
	body, err := jsoniter.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.JobID),
		Value: body,
	}, nil
}

// TaskSubmitter starts the clone jobs requested over kafka.
type TaskSubmitter interface {
	StartClone(ctx context.Context, seed string, opts scheduler.Options) (string, error)
}

type KafkaConsumerClient struct {
	submitter TaskSubmitter
	defaults  scheduler.Options
	metrics   *telemetry.KafkaConsumerMetrics
	cfg       *config.ConsumerConfig
	wg        *sync.WaitGroup
}

func NewKafkaConsumer(submitter TaskSubmitter, defaults scheduler.Options, metrics *telemetry.KafkaConsumerMetrics,
	cfg *config.ConsumerConfig, wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		submitter: submitter,
		defaults:  defaults,
		metrics:   metrics,
		cfg:       cfg,
		wg:        wg,
	}
}

func (c *KafkaConsumerClient) Run(ctx context.Context) {
	slog.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer c.wg.Done()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          c.cfg.Brokers,
		Topic:            c.cfg.ReadTopicName,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
		QueueCapacity:    c.cfg.QueueCapacity,
		MaxBytes:         c.cfg.MaxBytes,
		CommitInterval:   c.cfg.CommitInterval,
	})

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping kafka reader.")
			err := r.Close()
			if err != nil {
				slog.Error("failed to close kafka reader.", slog.String("err", err.Error()))
			}
			return
		default:
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					slog.Info("kafka reader stopped.")
					continue
				}
				slog.Error("failed to fetch message from kafka.", slog.String("err", err.Error()))
				c.metrics.FailedReadMsgCnt(1)
				continue
			}
			if err = c.process(ctx, m.Value); err != nil {
				slog.Error("failed to process clone task.", slog.String("err", err.Error()))
				c.metrics.FailedReadMsgCnt(1)
			} else {
				c.metrics.SuccessfullyReadMsgCnt(1)
			}
			// Rejected tasks are committed as well, they would fail the same way again.
			err = r.CommitMessages(context.Background(), m)
			if err != nil {
				slog.Error("failed to commit messages.", slog.String("err", err.Error()))
			}
		}
	}
}

func (c *KafkaConsumerClient) process(ctx context.Context, value []byte) error {
	task, err := decodeTask(value)
	if err != nil {
		return err
	}
	opts := c.defaults
	if task.MaxPages > 0 {
		opts.MaxPages = task.MaxPages
	}
	if task.IncludeAssets != nil {
		opts.IncludeAssets = *task.IncludeAssets
	}
	id, err := c.submitter.StartClone(ctx, task.URL, opts)
	if err != nil {
		return err
	}
	slog.Debug("clone task accepted.", slog.String("job_id", id), slog.String("url", task.URL))
	return nil
}

func decodeTask(value []byte) (*model.CloneTask, error) {
	var task model.CloneTask
	if err := jsoniter.Unmarshal(value, &task); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedTask, err)
	}
	if task.URL == "" {
		return nil, fmt.Errorf("%w: missing url", errMalformedTask)
	}
	return &task, nil
}
