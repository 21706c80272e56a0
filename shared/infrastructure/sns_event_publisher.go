package infrastructure

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

// snsBatchLimit is the PublishBatch entry cap imposed by SNS
const snsBatchLimit = 10

// snsEnvelope is the wire shape of a saga event on the SNS topic. The
// subscriber decodes the same shape; keep both sides in sync.
type snsEnvelope struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      events.Metadata `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// SNSEventPublisher fans saga lifecycle events out to an SNS topic
type SNSEventPublisher struct {
	client   *sns.Client
	topicArn string
}

// NewSNSEventPublisher creates a publisher bound to one topic
func NewSNSEventPublisher(client *sns.Client, topicArn string) *SNSEventPublisher {
	return &SNSEventPublisher{
		client:   client,
		topicArn: topicArn,
	}
}

// Publish sends the events in SNS-sized batches. Batches go out
// concurrently; a single rejected entry fails the whole call so the caller
// can decide whether the loss matters.
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(evts); start += snsBatchLimit {
		end := start + snsBatchLimit
		if end > len(evts) {
			end = len(evts)
		}
		batch := evts[start:end]
		group.Go(func() error {
			return p.publishBatch(ctx, batch)
		})
	}
	return group.Wait()
}

func (p *SNSEventPublisher) publishBatch(ctx context.Context, batch []*events.Event) error {
	entries := make([]types.PublishBatchRequestEntry, len(batch))
	for i, event := range batch {
		entry, err := p.toEntry(event)
		if err != nil {
			return err
		}
		entries[i] = entry
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   &p.topicArn,
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	if len(result.Failed) > 0 {
		rejected := make([]string, 0, len(result.Failed))
		for _, failed := range result.Failed {
			rejected = append(rejected, aws.ToString(failed.Id))
		}
		return errors.Errorf("SNS rejected %d of %d events: %s",
			len(result.Failed), len(batch), strings.Join(rejected, ", "))
	}
	return nil
}

func (p *SNSEventPublisher) toEntry(event *events.Event) (types.PublishBatchRequestEntry, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return types.PublishBatchRequestEntry{}, errors.Wrap(err, "failed to marshal event payload")
	}

	body, err := json.Marshal(&snsEnvelope{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		EventType:     event.EventType,
		Topic:         event.Topic.String(),
		Payload:       payload,
		Metadata:      cleanMetadata(event.Metadata),
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
	})
	if err != nil {
		return types.PublishBatchRequestEntry{}, errors.Wrap(err, "failed to marshal event envelope")
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(event.EventType),
		},
		"saga_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(event.AggregateID.String()),
		},
	}

	return types.PublishBatchRequestEntry{
		Id:                aws.String(event.ID.String()),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}, nil
}

// cleanMetadata strips the SQS delivery bookkeeping a consumed event picks
// up, so re-published events don't carry stale receipt handles
func cleanMetadata(metadata events.Metadata) events.Metadata {
	if metadata == nil {
		return nil
	}
	clean := make(events.Metadata, len(metadata))
	for key, value := range metadata {
		if key == SQSMessageIDKey || key == SQSReceiptHandleKey {
			continue
		}
		clean[key] = value
	}
	return clean
}
