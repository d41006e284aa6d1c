package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"marketplace-fulfillment/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Handle(ctx context.Context, event *models.PaymentGatewayEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func gatewayMessage(t *testing.T, ev models.PaymentGatewayEvent) kafka.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.PartitionKey()), Value: body}
}

func TestHandleMessage_PassesDecodedEvent(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Handle", mock.Anything, mock.MatchedBy(func(ev *models.PaymentGatewayEvent) bool {
		return ev.EventID == "evt-1" && ev.OrderID == 42 && ev.EventType == models.EventTypePaymentCaptured
	})).Return(nil)

	h := NewEventHandler(gw)
	msg := gatewayMessage(t, models.PaymentGatewayEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1", EventType: models.EventTypePaymentCaptured},
		OrderID:   42,
	})

	require.NoError(t, h.HandleMessage(context.Background(), msg))
	gw.AssertExpectations(t)
}

func TestHandleMessage_DropsUnusableMessages(t *testing.T) {
	gw := &mockGateway{}
	h := NewEventHandler(gw)

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.NoError(t, h.HandleMessage(context.Background(), gatewayMessage(t, models.PaymentGatewayEvent{OrderID: 1})))

	gw.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestHandleMessage_SurfacesGatewayFailures(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Handle", mock.Anything, mock.Anything).Return(errors.New("db unavailable"))

	h := NewEventHandler(gw)
	err := h.HandleMessage(context.Background(), gatewayMessage(t, models.PaymentGatewayEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-2", EventType: models.EventTypePaymentFailed},
		OrderID:   7,
	}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "evt-2")
}

func TestConsumerRetriesUntilHandlerAccepts(t *testing.T) {
	c := &Consumer{logger: zap.NewNop()}
	calls := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}

	require.NoError(t, c.handleWithRetry(context.Background(), handler, kafka.Message{}))
	assert.Equal(t, 2, calls)
}

func TestConsumerRetryStopsWithContext(t *testing.T) {
	c := &Consumer{logger: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.handleWithRetry(ctx, func(context.Context, kafka.Message) error {
		return errors.New("still failing")
	}, kafka.Message{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	headers := injectTraceHeaders(context.Background())
	ctx := extractTraceContext(context.Background(), kafka.Message{Headers: headers})
	assert.NotNil(t, ctx)
}
