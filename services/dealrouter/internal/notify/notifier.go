package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/kafka"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
)

const (
	EventDealStatusChanged = "deals.status_changed"
	eventVersion           = 1
)

type DealStatusChangedEvent struct {
	kafka.Envelope
	DealID          string `json:"deal_id"`
	ExternalOrderID string `json:"external_order_id"`
	MerchantID      string `json:"merchant_id"`
	Status          string `json:"status"`
	PreviousStatus  string `json:"previous_status"`
	PartyKind       string `json:"party_kind"`
	PartyID         string `json:"party_id,omitempty"`
	PartnerDealID   string `json:"partner_deal_id,omitempty"`
	Amount          string `json:"amount"`
	Principal       string `json:"principal"`
	Commission      string `json:"commission"`
	CallbackURL     string `json:"callback_url,omitempty"`
	AcceptedAt      string `json:"accepted_at,omitempty"`
}

// KafkaNotifier hands committed status changes to the merchant callback
// dispatcher through a topic. Delivery and retries belong to the consumer.
type KafkaNotifier struct {
	publisher kafka.Publisher
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewKafkaNotifier(publisher kafka.Publisher, topic string, timeout time.Duration, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = EventDealStatusChanged
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &KafkaNotifier{publisher: publisher, topic: topic, timeout: timeout, logger: logger}
}

func (n *KafkaNotifier) DealStatusChanged(ctx context.Context, deal storage.Deal, previous storage.DealStatus) error {
	if n == nil || n.publisher == nil {
		return nil
	}
	event, err := BuildEvent(deal, previous)
	if err != nil {
		return err
	}

	// The request context may already be winding down once the transaction
	// has committed.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if _, _, err := n.publisher.PublishJSON(pubCtx, n.topic, deal.ID.String(), event); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	n.logger.Debug("deal status published", "deal_id", deal.ID, "status", string(deal.Status), "event_id", event.EventID)
	return nil
}

// BuildEvent derives the event id from the deal and its new status so a
// re-published transition keeps the same id.
func BuildEvent(deal storage.Deal, previous storage.DealStatus) (DealStatusChangedEvent, error) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(EventDealStatusChanged, deal.ID.String(), string(deal.Status)),
		EventDealStatusChanged, eventVersion, deal.ID.String())
	if err != nil {
		return DealStatusChangedEvent{}, err
	}
	event := DealStatusChangedEvent{
		Envelope:        env,
		DealID:          deal.ID.String(),
		ExternalOrderID: deal.ExternalOrderID,
		MerchantID:      deal.MerchantID.String(),
		Status:          string(deal.Status),
		PreviousStatus:  string(previous),
		PartyKind:       string(deal.Party.Kind()),
		Amount:          deal.Amount.String(),
		Principal:       deal.FrozenPrincipal.String(),
		Commission:      deal.Commission.String(),
		CallbackURL:     deal.CallbackURL,
	}
	if deal.Party.IsRouted() {
		event.PartyID = deal.Party.ID().String()
	}
	if _, partnerID, ok := deal.Party.Aggregator(); ok {
		event.PartnerDealID = partnerID
	}
	if deal.AcceptedAt != nil {
		event.AcceptedAt = deal.AcceptedAt.UTC().Format(time.RFC3339)
	}
	return event, nil
}
