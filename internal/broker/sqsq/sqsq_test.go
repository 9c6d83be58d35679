package sqsq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
)

var testCfg = Config{
	FrontierQueueURL:      "https://sqs.test/frontier",
	PriorityQueueURL:      "https://sqs.test/frontier-priority.fifo",
	ParseQueueURL:         "https://sqs.test/parse",
	ParsePriorityQueueURL: "https://sqs.test/parse-priority.fifo",
	RetryQueueURL:         "https://sqs.test/retry",
	DeadLetterQueueURL:    "https://sqs.test/dead",
}

type fakeMessage struct {
	id        int
	body      string
	groupID   string
	visibleAt time.Time
	inFlight  bool
}

// fakeClient models queue visibility: messages sent with DelaySeconds stay
// invisible until their delay elapses against the injected clock.
type fakeClient struct {
	queues map[string][]*fakeMessage
	nextID int
	now    func() time.Time
}

func newFakeClient(now func() time.Time) *fakeClient {
	return &fakeClient{queues: map[string][]*fakeMessage{}, now: now}
}

func (c *fakeClient) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.nextID++

	msg := &fakeMessage{
		id:        c.nextID,
		body:      aws.ToString(in.MessageBody),
		groupID:   aws.ToString(in.MessageGroupId),
		visibleAt: c.now().Add(time.Duration(in.DelaySeconds) * time.Second),
	}

	url := aws.ToString(in.QueueUrl)
	c.queues[url] = append(c.queues[url], msg)

	return &sqs.SendMessageOutput{}, nil
}

func (c *fakeClient) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{}
	now := c.now()

	for _, msg := range c.queues[aws.ToString(in.QueueUrl)] {
		if msg.inFlight || msg.visibleAt.After(now) {
			continue
		}

		msg.inFlight = true
		out.Messages = append(out.Messages, types.Message{
			Body:          aws.String(msg.body),
			ReceiptHandle: aws.String(fmt.Sprintf("rh-%d", msg.id)),
		})

		if len(out.Messages) == int(in.MaxNumberOfMessages) {
			break
		}
	}

	return out, nil
}

func (c *fakeClient) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	url := aws.ToString(in.QueueUrl)
	handle := aws.ToString(in.ReceiptHandle)

	kept := c.queues[url][:0]
	for _, msg := range c.queues[url] {
		if fmt.Sprintf("rh-%d", msg.id) != handle {
			kept = append(kept, msg)
		}
	}

	c.queues[url] = kept

	return &sqs.DeleteMessageOutput{}, nil
}

func (c *fakeClient) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	depth := len(c.queues[aws.ToString(in.QueueUrl)])

	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): fmt.Sprintf("%d", depth),
		},
	}, nil
}

func newTestBackend(t *testing.T) (*Backend, *fakeClient, *time.Time) {
	t.Helper()

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	client := newFakeClient(now)
	b := NewFromClient(client, testCfg)
	b.now = now

	return b, client, &current
}

func frontierURL(t *testing.T, rawURL string, priority int) *domain.FrontierURL {
	t.Helper()

	u, err := domain.NewFrontierURL(rawURL, "job-1", priority)
	require.NoError(t, err)

	return u
}

func TestEnqueueFrontierRouting(t *testing.T) {
	b, client, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/normal", 5)))
	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/urgent", 9)))

	require.Len(t, client.queues[testCfg.FrontierQueueURL], 1)
	require.Len(t, client.queues[testCfg.PriorityQueueURL], 1)

	// FIFO messages carry the domain as their group.
	assert.Equal(t, "example.com", client.queues[testCfg.PriorityQueueURL][0].groupID)
	assert.Empty(t, client.queues[testCfg.FrontierQueueURL][0].groupID)
}

func TestDequeueFrontierPriorityFirst(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/normal", 5)))
	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/urgent", 9)))

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/urgent", got.URL)

	got, err = b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/normal", got.URL)

	got, err = b.DequeueFrontier(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnqueueRetryCapsDelay(t *testing.T) {
	b, client, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/later", 5), 2*time.Hour))

	require.Len(t, client.queues[testCfg.RetryQueueURL], 1)

	msg := client.queues[testCfg.RetryQueueURL][0]
	capped := b.now().Add(maxDelaySeconds * time.Second)
	assert.Equal(t, capped, msg.visibleAt)
}

func TestProcessRetryPromotesReadyEntries(t *testing.T) {
	b, client, current := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/soon", 5), time.Minute))

	moved, err := b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	*current = current.Add(2 * time.Minute)

	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	assert.Empty(t, client.queues[testCfg.RetryQueueURL])

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/soon", got.URL)
}

func TestProcessRetryRequeuesBeyondCap(t *testing.T) {
	b, client, current := newTestBackend(t)
	ctx := context.Background()

	// Two hours exceeds the broker delay cap; the message becomes visible
	// after 900s with over an hour still to wait.
	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/far", 5), 2*time.Hour))

	*current = current.Add(maxDelaySeconds * time.Second)

	moved, err := b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Still parked on the retry queue, not promoted.
	require.Len(t, client.queues[testCfg.RetryQueueURL], 1)
	assert.Empty(t, client.queues[testCfg.FrontierQueueURL])

	// Once the full delay elapses the entry promotes normally.
	*current = current.Add(2 * time.Hour)

	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestParseRouting(t *testing.T) {
	b, client, _ := newTestBackend(t)
	ctx := context.Background()

	u := frontierURL(t, "https://example.com/page", 9)
	task := domain.NewParseTask(u, "raw-1", "example.com/job-1/raw-1.html", "text/html")

	require.NoError(t, b.EnqueueParse(ctx, task))
	require.Len(t, client.queues[testCfg.ParsePriorityQueueURL], 1)
	assert.Equal(t, "example.com", client.queues[testCfg.ParsePriorityQueueURL][0].groupID)

	got, err := b.DequeueParse(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, task.StorageLocation, got.StorageLocation)
}

func TestStatsReportsApproximateDepths(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/a", 5)))
	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/d", 5), "gone"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sqs", stats.Backend)
	assert.Equal(t, int64(1), stats.Depths[broker.QueueFrontierNormal])
	assert.Equal(t, int64(1), stats.Depths[broker.QueueDead])
	assert.Equal(t, int64(2), stats.Enqueued+stats.DeadLettered)
}
