package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/events"
)

func TestNotificationStubsFollowConfig(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	svc := NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{EmailFrom: "support@clinic.test"})
	svc.RegisterHandlers()

	ctx := context.Background()
	_ = dispatcher.Publish(ctx, events.Event{Type: events.EventTicketCreated, TicketID: "t1"})
	_ = dispatcher.Publish(ctx, events.Event{Type: events.EventTicketStatusChanged, TicketID: "t1", State: domain.TicketStateInProgress})
	_ = dispatcher.Publish(ctx, events.Event{Type: events.EventTicketStatusChanged, TicketID: "t1", State: domain.TicketStateClosed})

	email, webhook := svc.Sent()
	if email != 2 {
		t.Fatalf("expected 2 email stubs (created + closed), got %d", email)
	}
	if webhook != 0 {
		t.Fatalf("webhook disabled, got %d", webhook)
	}
}
