// Package sqsq provides a cloud-managed queue backend. Normal lanes are
// standard queues; the priority lanes are FIFO queues grouped by domain.
// Retry uses native DelaySeconds (capped at 900) with the absolute
// retry_after embedded so entries needing a longer delay are re-queued on
// expiry. The dead-letter queue doubles as the redrive target configured
// on the main queues.
package sqsq

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

const (
	// maxDelaySeconds is the broker's DelaySeconds ceiling.
	maxDelaySeconds = 900

	// receiveBatchSize bounds ReceiveMessage batches during retry scans.
	receiveBatchSize = 10
)

// Config holds queue URLs for the cloud backend. AccessKey and SecretKey
// override the ambient credential chain, mainly for local SQS emulators.
type Config struct {
	Region    string
	AccessKey string
	SecretKey string

	FrontierQueueURL      string
	PriorityQueueURL      string // FIFO
	ParseQueueURL         string
	ParsePriorityQueueURL string // FIFO
	RetryQueueURL         string
	DeadLetterQueueURL    string
}

// Client is the subset of the SQS API the backend uses. Satisfied by
// *sqs.Client; narrowed for tests.
type Client interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Backend implements broker.Broker on SQS-style queues.
type Backend struct {
	client   Client
	cfg      Config
	counters broker.Counters
	now      func() time.Time
}

// New loads AWS configuration for the region and returns a backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Backend{client: sqs.NewFromConfig(awsCfg), cfg: cfg, now: time.Now}, nil
}

// NewFromClient wraps an existing client. Used in tests.
func NewFromClient(client Client, cfg Config) *Backend {
	return &Backend{client: client, cfg: cfg, now: time.Now}
}

// send delivers a message body to a queue URL. FIFO queues additionally
// require a group ID (the domain) and a deduplication ID.
func (b *Backend) send(ctx context.Context, queueURL, groupID, body string, delay int32) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	}

	if delay > 0 {
		in.DelaySeconds = delay
	}

	if groupID != "" {
		in.MessageGroupId = aws.String(groupID)
		in.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	if _, err := b.client.SendMessage(ctx, in); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// receiveOne pops a single message from the queue, deleting it on receipt.
func (b *Backend) receiveOne(ctx context.Context, queueURL string) ([]byte, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]

	if _, delErr := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); delErr != nil {
		return nil, fmt.Errorf("delete message: %w", delErr)
	}

	if msg.Body == nil {
		return nil, nil
	}

	return []byte(*msg.Body), nil
}

// EnqueueFrontier sends u to the FIFO priority queue or the standard queue.
func (b *Backend) EnqueueFrontier(ctx context.Context, u *domain.FrontierURL) error {
	data, err := broker.EncodeFrontierURL(u)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	var sendErr error
	if u.IsPriority() {
		sendErr = b.send(ctx, b.cfg.PriorityQueueURL, u.Domain, string(data), 0)
	} else {
		sendErr = b.send(ctx, b.cfg.FrontierQueueURL, "", string(data), 0)
	}

	if sendErr != nil {
		return sendErr
	}

	b.counters.Enqueued()

	return nil
}

// DequeueFrontier receives from the priority queue first.
func (b *Backend) DequeueFrontier(ctx context.Context) (*domain.FrontierURL, error) {
	for _, queueURL := range []string{b.cfg.PriorityQueueURL, b.cfg.FrontierQueueURL} {
		data, err := b.receiveOne(ctx, queueURL)
		if err != nil {
			return nil, err
		}

		if data == nil {
			continue
		}

		u, decErr := broker.DecodeFrontierURL(data)
		if decErr != nil {
			return nil, decErr
		}

		b.counters.Dequeued()

		return u, nil
	}

	return nil, nil
}

// EnqueueParse sends t to the FIFO priority queue or the standard queue.
func (b *Backend) EnqueueParse(ctx context.Context, t *domain.ParseTask) error {
	data, err := broker.EncodeParseTask(t)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	var sendErr error
	if t.IsPriority() {
		host, _ := urlutil.Host(t.URL)
		sendErr = b.send(ctx, b.cfg.ParsePriorityQueueURL, host, string(data), 0)
	} else {
		sendErr = b.send(ctx, b.cfg.ParseQueueURL, "", string(data), 0)
	}

	if sendErr != nil {
		return sendErr
	}

	b.counters.Enqueued()

	return nil
}

// DequeueParse receives from the priority queue first.
func (b *Backend) DequeueParse(ctx context.Context) (*domain.ParseTask, error) {
	for _, queueURL := range []string{b.cfg.ParsePriorityQueueURL, b.cfg.ParseQueueURL} {
		data, err := b.receiveOne(ctx, queueURL)
		if err != nil {
			return nil, err
		}

		if data == nil {
			continue
		}

		t, decErr := broker.DecodeParseTask(data)
		if decErr != nil {
			return nil, decErr
		}

		b.counters.Dequeued()

		return t, nil
	}

	return nil, nil
}

// EnqueueRetry sends the entry with native DelaySeconds, capped at the
// broker maximum. The absolute retry_after rides in the body so
// ProcessRetry can re-queue entries that need more delay.
func (b *Backend) EnqueueRetry(ctx context.Context, u *domain.FrontierURL, delay time.Duration) error {
	data, err := broker.EncodeRetryEntry(&domain.RetryEntry{
		URL:        u,
		RetryAfter: b.now().Add(delay),
	})
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	delaySec := int32(delay / time.Second)
	if delaySec > maxDelaySeconds {
		delaySec = maxDelaySeconds
	}

	if sendErr := b.send(ctx, b.cfg.RetryQueueURL, "", string(data), delaySec); sendErr != nil {
		return sendErr
	}

	b.counters.RetryScheduled()

	return nil
}

// EnqueueDead sends the entry to the dead-letter queue.
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

	if sendErr := b.send(ctx, b.cfg.DeadLetterQueueURL, "", string(data), 0); sendErr != nil {
		return sendErr
	}

	b.counters.DeadLettered()

	return nil
}

// ProcessRetry drains visible retry messages. Ready entries go to the
// frontier; entries whose retry_after is still in the future (the original
// delay exceeded the broker cap) are re-queued with the remaining delay.
func (b *Backend) ProcessRetry(ctx context.Context) (int, error) {
	now := b.now()
	moved := 0

	for {
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.cfg.RetryQueueURL),
			MaxNumberOfMessages: receiveBatchSize,
		})
		if err != nil {
			return moved, fmt.Errorf("receive retry messages: %w", err)
		}

		if len(out.Messages) == 0 {
			break
		}

		for _, msg := range out.Messages {
			if msg.Body == nil {
				continue
			}

			entry, decErr := broker.DecodeRetryEntry([]byte(*msg.Body))
			if decErr != nil {
				continue
			}

			if entry.RetryAfter.After(now) {
				remaining := entry.RetryAfter.Sub(now)
				if requeueErr := b.EnqueueRetry(ctx, entry.URL, remaining); requeueErr != nil {
					return moved, requeueErr
				}
			} else {
				if enqErr := b.EnqueueFrontier(ctx, entry.URL); enqErr != nil {
					return moved, enqErr
				}

				moved++
			}

			if _, delErr := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(b.cfg.RetryQueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); delErr != nil {
				return moved, fmt.Errorf("delete retry message: %w", delErr)
			}
		}
	}

	b.counters.RetriesPromoted(moved)

	return moved, nil
}

// Stats reports approximate depths from queue attributes.
func (b *Backend) Stats(ctx context.Context) (*broker.Stats, error) {
	depths := map[string]int64{}

	queues := map[string]string{
		broker.QueueFrontierNormal:   b.cfg.FrontierQueueURL,
		broker.QueueFrontierPriority: b.cfg.PriorityQueueURL,
		broker.QueueParseNormal:      b.cfg.ParseQueueURL,
		broker.QueueParsePriority:    b.cfg.ParsePriorityQueueURL,
		broker.QueueRetry:            b.cfg.RetryQueueURL,
		broker.QueueDead:             b.cfg.DeadLetterQueueURL,
	}

	for queue, queueURL := range queues {
		out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(queueURL),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
		})
		if err != nil {
			return nil, fmt.Errorf("queue attributes %s: %w", queue, err)
		}

		var depth int64

		if raw, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]; ok {
			fmt.Sscanf(raw, "%d", &depth)
		}

		depths[queue] = depth
	}

	stats := &broker.Stats{Backend: "sqs", Depths: depths}
	b.counters.Fill(stats)

	return stats, nil
}

// Close is a no-op; the SQS client holds no persistent connection.
func (b *Backend) Close() error { return nil }
