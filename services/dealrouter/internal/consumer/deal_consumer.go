package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/dealrouter/libs/kafka"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/validation"
	"github.com/IBM/sarama"
)

const DealUnroutedEventType = "deals.unrouted"

// DealUnroutedEvent is published by requisite selection when it hands a
// deal over, with TraderID set when a trader requisite was found.
type DealUnroutedEvent struct {
	kafka.Envelope
	ExternalOrderID  string         `json:"external_order_id"`
	MerchantID       string         `json:"merchant_id"`
	MethodID         string         `json:"method_id"`
	TraderID         string         `json:"trader_id,omitempty"`
	Direction        string         `json:"direction,omitempty"`
	Amount           string         `json:"amount"`
	Rate             string         `json:"rate"`
	CallbackURL      string         `json:"callback_url,omitempty"`
	ExpiresInSeconds int            `json:"expires_in_seconds,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (e *DealUnroutedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != DealUnroutedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	return nil
}

func (e *DealUnroutedEvent) fields() validation.DealFields {
	return validation.DealFields{
		ExternalOrderID:  e.ExternalOrderID,
		MerchantID:       e.MerchantID,
		MethodID:         e.MethodID,
		TraderID:         e.TraderID,
		Amount:           e.Amount,
		Rate:             e.Rate,
		Direction:        e.Direction,
		CallbackURL:      e.CallbackURL,
		ExpiresInSeconds: e.ExpiresInSeconds,
	}
}

type Submitter interface {
	Submit(ctx context.Context, in routing.SubmitInput) (routing.Result, error)
}

type DealConsumer struct {
	router Submitter
	logger *slog.Logger
}

func NewDealConsumer(router Submitter, logger *slog.Logger) *DealConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DealConsumer{router: router, logger: logger}
}

// HandleMessage routes one unrouted deal. Malformed events go straight to
// the DLQ; transient failures are returned for retry.
func (c *DealConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(errors.New("empty kafka message"), "empty_message")
	}

	var event DealUnroutedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", DealUnroutedEventType, err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	in, err := routing.InputFromFields(event.fields(), event.Metadata)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			return kafka.DLQ(fmt.Errorf("invalid deal: %s", describe(verrs)), "invalid_payload")
		}
		return kafka.DLQ(err, "invalid_payload")
	}

	res, err := c.router.Submit(ctx, in)
	switch {
	case err == nil:
		c.logger.Info("unrouted deal accepted",
			"event_id", event.EventID, "deal_id", res.Deal.ID, "external_order_id", in.ExternalOrderID,
			"party", string(res.Deal.Party.Kind()))
		return nil
	case errors.Is(err, storage.ErrDuplicateOrder):
		c.logger.Info("unrouted deal already handled", "event_id", event.EventID, "external_order_id", in.ExternalOrderID)
		return nil
	case errors.Is(err, routing.ErrNoCapacity):
		c.logger.Warn("unrouted deal found no capacity",
			"event_id", event.EventID, "external_order_id", in.ExternalOrderID, "attempts", len(res.Attempts))
		return nil
	case errors.Is(err, storage.ErrInsufficientBalance), errors.Is(err, storage.ErrNotFound):
		return kafka.DLQ(err, "rejected")
	default:
		return err
	}
}

func describe(errs validation.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fe.Message)
	}
	return strings.Join(parts, "; ")
}
