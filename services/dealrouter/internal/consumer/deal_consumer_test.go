package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/kafka"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

type fakeRouter struct {
	input routing.SubmitInput
	calls int
	err   error
}

func (f *fakeRouter) Submit(_ context.Context, in routing.SubmitInput) (routing.Result, error) {
	f.calls++
	f.input = in
	return routing.Result{}, f.err
}

func validEvent() DealUnroutedEvent {
	return DealUnroutedEvent{
		Envelope: kafka.Envelope{
			EventID:      "evt_1",
			EventType:    DealUnroutedEventType,
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		ExternalOrderID: "order-1",
		MerchantID:      uuid.NewString(),
		MethodID:        uuid.NewString(),
		Amount:          "5000",
		Rate:            "95.5",
	}
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Value: payload}
}

func TestDealConsumerSubmits(t *testing.T) {
	router := &fakeRouter{}
	event := validEvent()
	traderID := uuid.New()
	event.TraderID = traderID.String()

	if err := NewDealConsumer(router, nil).HandleMessage(context.Background(), message(t, event)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if router.calls != 1 || router.input.ExternalOrderID != "order-1" {
		t.Fatalf("unexpected submit %+v", router.input)
	}
	if router.input.TraderID == nil || *router.input.TraderID != traderID {
		t.Fatalf("expected trader id carried through")
	}
	if router.input.Direction != storage.DirectionIn {
		t.Fatalf("expected default direction IN, got %s", router.input.Direction)
	}
}

func TestDealConsumerAcknowledgesBusinessOutcomes(t *testing.T) {
	for _, err := range []error{storage.ErrDuplicateOrder, routing.ErrNoCapacity} {
		router := &fakeRouter{err: err}
		if got := NewDealConsumer(router, nil).HandleMessage(context.Background(), message(t, validEvent())); got != nil {
			t.Fatalf("expected %v to be acknowledged, got %v", err, got)
		}
	}
}

func TestDealConsumerPoisonMessages(t *testing.T) {
	bad := validEvent()
	bad.Amount = "-1"
	wrongType := validEvent()
	wrongType.EventType = "deals.other"

	cases := map[string]*sarama.ConsumerMessage{
		"empty":      {},
		"not json":   {Value: []byte("{")},
		"wrong type": message(t, wrongType),
		"bad amount": message(t, bad),
	}
	for name, msg := range cases {
		router := &fakeRouter{}
		err := NewDealConsumer(router, nil).HandleMessage(context.Background(), msg)
		if !kafka.IsPoison(err) {
			t.Fatalf("%s: expected DLQ error, got %v", name, err)
		}
		if router.calls != 0 {
			t.Fatalf("%s: router must not be called", name)
		}
	}
}

func TestDealConsumerRetriesTransientErrors(t *testing.T) {
	router := &fakeRouter{err: errors.New("db unavailable")}
	err := NewDealConsumer(router, nil).HandleMessage(context.Background(), message(t, validEvent()))
	if err == nil || kafka.IsPoison(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
