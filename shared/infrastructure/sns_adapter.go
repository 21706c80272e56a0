package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/pkg/errors"
)

// SNSPublisherAdapter exposes the SNS publisher behind the events.Publisher
// interface, owning the AWS client setup
type SNSPublisherAdapter struct {
	publisher *SNSEventPublisher
}

// NewSNSPublisherAdapter builds an SNS publisher from the default AWS
// config chain (honors AWS_ENDPOINT_URL for LocalStack)
func NewSNSPublisherAdapter(topicArn string) (*SNSPublisherAdapter, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &SNSPublisherAdapter{
		publisher: NewSNSEventPublisher(sns.NewFromConfig(cfg), topicArn),
	}, nil
}

// Publish implements events.Publisher
func (a *SNSPublisherAdapter) Publish(ctx context.Context, evts ...*events.Event) error {
	return a.publisher.Publish(ctx, evts...)
}

// Close satisfies the closable-dependency contract; the SNS client holds no
// connection state to release
func (a *SNSPublisherAdapter) Close() error {
	return nil
}
