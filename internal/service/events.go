package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// ViewRefresher is asked to re-render browsing sessions after the visible
// listing set changes.
type ViewRefresher interface {
	RequestRefresh()
}

// Announcer queues a human-readable notification.
type Announcer interface {
	Enqueue(event, title, body string) bool
}

// EventPublisher publishes MarketEvents on the signal bus. A nil bus makes
// Publish a no-op.
type EventPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(bus domain.SignalBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, logger: logger.With(slog.String("component", "event_publisher"))}
}

// Publish sends ev on domain.MarketEventsChannel. Failures are logged only.
func (p *EventPublisher) Publish(ctx context.Context, ev domain.MarketEvent) {
	if p == nil || p.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal market event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, domain.MarketEventsChannel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish market event failed",
			slog.String("type", ev.Type),
			slog.String("listing_id", ev.ListingID),
			slog.String("error", err.Error()),
		)
	}
}
