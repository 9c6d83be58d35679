// Package kafkaq provides a streaming queue backend with one topic per
// logical queue, partitioned by domain. Consumer groups give at-least-once
// delivery; each topic is drained by a poller into a bounded in-memory
// buffer, and a full buffer drops the message so the group redelivers it.
package kafkaq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

const (
	defaultTopicPrefix = "bicrawl"
	defaultGroup       = "bicrawl-workers"
	defaultBufferSize  = 100
)

// Config holds connection settings for the streaming backend.
type Config struct {
	Brokers     []string
	TopicPrefix string
	Group       string
	BufferSize  int
}

// Backend implements broker.Broker on Kafka-style topics.
type Backend struct {
	producer *kgo.Client
	topics   map[string]string
	buffers  map[string]chan []byte

	consumers []*kgo.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	counters broker.Counters
	log      logger.Interface
	now      func() time.Time
}

// consumedQueues lists the queues the backend polls into buffers. Dead
// letters are write-only from the engine's perspective.
var consumedQueues = []string{
	broker.QueueFrontierNormal,
	broker.QueueFrontierPriority,
	broker.QueueParseNormal,
	broker.QueueParsePriority,
	broker.QueueRetry,
}

// New connects to the cluster and starts one consumer-group poller per
// consumed topic.
func New(cfg Config, log logger.Interface) (*Backend, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}

	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	producer, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	b := &Backend{
		producer: producer,
		topics:   map[string]string{},
		buffers:  map[string]chan []byte{},
		log:      log,
		now:      time.Now,
	}

	for _, queue := range []string{
		broker.QueueFrontierNormal,
		broker.QueueFrontierPriority,
		broker.QueueParseNormal,
		broker.QueueParsePriority,
		broker.QueueRetry,
		broker.QueueDead,
	} {
		b.topics[queue] = topicName(cfg.TopicPrefix, queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for _, queue := range consumedQueues {
		// Marks-only commits: an offset becomes committable only after the
		// record is accepted into the buffer, so dropped records are
		// redelivered by the group.
		consumer, consErr := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ConsumerGroup(cfg.Group),
			kgo.ConsumeTopics(b.topics[queue]),
			kgo.AutoCommitMarks(),
		)
		if consErr != nil {
			cancel()
			producer.Close()

			return nil, fmt.Errorf("create kafka consumer for %s: %w", queue, consErr)
		}

		b.consumers = append(b.consumers, consumer)
		b.buffers[queue] = make(chan []byte, cfg.BufferSize)

		b.wg.Add(1)

		go b.poll(ctx, consumer, queue)
	}

	return b, nil
}

// topicName maps a logical queue name to a topic name.
func topicName(prefix, queue string) string {
	return prefix + "." + strings.ReplaceAll(queue, ":", ".")
}

// recordMarker marks records as processed for the group's next commit.
// Satisfied by *kgo.Client.
type recordMarker interface {
	MarkCommitRecords(recs ...*kgo.Record)
}

// poll drains one topic into its buffer until ctx is cancelled.
func (b *Backend) poll(ctx context.Context, client *kgo.Client, queue string) {
	defer b.wg.Done()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fetchErr := range errs {
				b.log.Warn("kafka fetch error",
					"topic", fetchErr.Topic,
					"error", fetchErr.Err.Error(),
				)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			b.bufferRecord(client, queue, rec)
		})
	}
}

// bufferRecord hands a fetched record to the queue's buffer. The offset is
// marked for commit only on acceptance; a dropped record stays uncommitted
// so the group redelivers it.
func (b *Backend) bufferRecord(marker recordMarker, queue string, rec *kgo.Record) bool {
	select {
	case b.buffers[queue] <- rec.Value:
		marker.MarkCommitRecords(rec)
		return true
	default:
		b.log.Warn("kafka buffer full, leaving message uncommitted", "queue", queue)
		return false
	}
}

// produce sends a record to the queue's topic, keyed by domain so that
// entries for one domain stay on one partition.
func (b *Backend) produce(ctx context.Context, queue, domainKey string, value []byte) error {
	record := &kgo.Record{
		Topic: b.topics[queue],
		Key:   []byte(domainKey),
		Value: value,
	}

	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("produce to %s: %w", queue, err)
	}

	return nil
}

// take returns a buffered message from the first non-empty queue, or nil.
func (b *Backend) take(queues ...string) []byte {
	for _, queue := range queues {
		select {
		case data := <-b.buffers[queue]:
			return data
		default:
		}
	}

	return nil
}

// EnqueueFrontier produces u to the priority or normal frontier topic.
func (b *Backend) EnqueueFrontier(ctx context.Context, u *domain.FrontierURL) error {
	data, err := broker.EncodeFrontierURL(u)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	queue := broker.QueueFrontierNormal
	if u.IsPriority() {
		queue = broker.QueueFrontierPriority
	}

	if err := b.produce(ctx, queue, u.Domain, data); err != nil {
		return err
	}

	b.counters.Enqueued()

	return nil
}

// DequeueFrontier drains the priority buffer before the normal buffer.
func (b *Backend) DequeueFrontier(_ context.Context) (*domain.FrontierURL, error) {
	data := b.take(broker.QueueFrontierPriority, broker.QueueFrontierNormal)
	if data == nil {
		return nil, nil
	}

	u, err := broker.DecodeFrontierURL(data)
	if err != nil {
		return nil, err
	}

	b.counters.Dequeued()

	return u, nil
}

// EnqueueParse produces t to the priority or normal parse topic.
func (b *Backend) EnqueueParse(ctx context.Context, t *domain.ParseTask) error {
	data, err := broker.EncodeParseTask(t)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	queue := broker.QueueParseNormal
	if t.IsPriority() {
		queue = broker.QueueParsePriority
	}

	host, _ := urlutil.Host(t.URL)

	if err := b.produce(ctx, queue, host, data); err != nil {
		return err
	}

	b.counters.Enqueued()

	return nil
}

// DequeueParse drains the priority buffer before the normal buffer.
func (b *Backend) DequeueParse(_ context.Context) (*domain.ParseTask, error) {
	data := b.take(broker.QueueParsePriority, broker.QueueParseNormal)
	if data == nil {
		return nil, nil
	}

	t, err := broker.DecodeParseTask(data)
	if err != nil {
		return nil, err
	}

	b.counters.Dequeued()

	return t, nil
}

// EnqueueRetry produces the entry to the retry topic with its absolute
// retry_after timestamp embedded.
func (b *Backend) EnqueueRetry(ctx context.Context, u *domain.FrontierURL, delay time.Duration) error {
	data, err := broker.EncodeRetryEntry(&domain.RetryEntry{
		URL:        u,
		RetryAfter: b.now().Add(delay),
	})
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	if err := b.produce(ctx, broker.QueueRetry, u.Domain, data); err != nil {
		return err
	}

	b.counters.RetryScheduled()

	return nil
}

// EnqueueDead produces the entry to the dead-letter topic.
func (b *Backend) EnqueueDead(ctx context.Context, u *domain.FrontierURL, reason string) error {
	data, err := broker.EncodeDeadLetterEntry(&domain.DeadLetterEntry{
		URL:    u,
		DiedAt: b.now().UTC(),
		Reason: reason,
	})
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	if err := b.produce(ctx, broker.QueueDead, u.Domain, data); err != nil {
		return err
	}

	b.counters.DeadLettered()

	return nil
}

// ProcessRetry drains the retry buffer: ready entries are re-emitted onto
// the frontier, entries still delayed are produced back to the retry topic.
func (b *Backend) ProcessRetry(ctx context.Context) (int, error) {
	now := b.now()
	moved := 0

	for {
		data := b.take(broker.QueueRetry)
		if data == nil {
			break
		}

		entry, err := broker.DecodeRetryEntry(data)
		if err != nil {
			continue
		}

		if entry.RetryAfter.After(now) {
			reData, encErr := broker.EncodeRetryEntry(entry)
			if encErr != nil {
				continue
			}

			if prodErr := b.produce(ctx, broker.QueueRetry, entry.URL.Domain, reData); prodErr != nil {
				return moved, prodErr
			}

			continue
		}

		if enqErr := b.EnqueueFrontier(ctx, entry.URL); enqErr != nil {
			return moved, enqErr
		}

		moved++
	}

	b.counters.RetriesPromoted(moved)

	return moved, nil
}

// Stats approximates depths with local buffer occupancy; broker-side lag
// is not consulted.
func (b *Backend) Stats(_ context.Context) (*broker.Stats, error) {
	depths := map[string]int64{}
	for queue, buffer := range b.buffers {
		depths[queue] = int64(len(buffer))
	}

	depths[broker.QueueDead] = 0

	stats := &broker.Stats{Backend: "kafka", Depths: depths}
	b.counters.Fill(stats)

	return stats, nil
}

// Close stops the pollers and closes all clients.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()

	for _, consumer := range b.consumers {
		consumer.Close()
	}

	b.producer.Close()

	return nil
}
