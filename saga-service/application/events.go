package application

import (
	"context"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
)

// publishEvents drains the saga's recorded transitions to the event bus.
// Publishing is observability, not state: a publish failure is logged and
// the saga carries on.
func publishEvents(ctx context.Context, publisher events.Publisher, saga *domain.Saga, log *logging.Logger) {
	recorded := saga.Events()
	if publisher == nil || len(recorded) == 0 {
		saga.ClearEvents()
		return
	}

	if err := publisher.Publish(ctx, recorded...); err != nil {
		log.WithError(err).Warn("failed to publish saga events")
	}
	saga.ClearEvents()
}
