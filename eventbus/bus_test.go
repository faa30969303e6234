package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/model"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	events []model.DomainEvent
}

func (s *sink) handle(_ context.Context, ev model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestMemoryBusDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus("events")
	s := &sink{}
	require.NoError(t, bus.Subscribe(ctx, s.handle))

	ev := model.DomainEvent{
		Id:         "ev-1",
		Type:       model.EVENT_EMAIL_OPEN,
		ContactId:  "contact-1",
		Payload:    map[string]any{"campaignId": "spring"},
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, bus.Publish(ctx, ev))
	require.Eventually(t, func() bool { return s.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := s.events[0]
	require.Equal(t, "ev-1", got.Id)
	require.Equal(t, "contact-1", got.ContactId)
	require.Equal(t, "spring", got.Payload["campaignId"])
	require.True(t, ev.OccurredAt.Equal(got.OccurredAt))
	require.NoError(t, bus.Close())
}

func TestMalformedEventsAreDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus("events")
	s := &sink{}
	require.NoError(t, bus.Subscribe(ctx, s.handle))

	raw := message.NewMessage(watermill.NewUUID(), []byte(`{"type":"email_open"}`))
	require.NoError(t, bus.publisher.Publish("events", raw))
	require.NoError(t, bus.Publish(ctx, model.DomainEvent{Type: model.EVENT_EMAIL_OPEN, ContactId: "c"}))

	require.Eventually(t, func() bool { return s.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "c", s.events[0].ContactId)
	require.NoError(t, bus.Close())
}

func TestHandlerErrorRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus("events")
	var (
		mu       sync.Mutex
		attempts int
	)
	handler := func(_ context.Context, ev model.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("storage unavailable")
		}
		return nil
	}
	require.NoError(t, bus.Subscribe(ctx, handler))
	require.NoError(t, bus.Publish(ctx, model.DomainEvent{Type: model.EVENT_SMS_REPLY, ContactId: "c"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Close())
}

func TestCheckEvent(t *testing.T) {
	require.NoError(t, CheckEvent([]byte(`{"type":"tag_added","contactId":"c","payload":{"tag":"vip"}}`)))
	require.Error(t, CheckEvent([]byte(`{"type":"","contactId":"c"}`)))
	require.Error(t, CheckEvent([]byte(`{"type":"tag_added","contactId":"c","payload":"vip"}`)))
	require.Error(t, CheckEvent([]byte(`not json`)))
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(config.EventBusConfig{Type: "carrier-pigeon"})
	require.Error(t, err)
	_, err = New(config.EventBusConfig{Type: config.EVENT_BUS_KAFKA})
	require.Error(t, err)
}
