package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type stubSession struct {
	ctx     context.Context
	marked  int
	offsets []string
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) {
	s.marked++
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "deals.status" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func TestConsumerGroupHandlerDLQsOnError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: HandlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return DLQ(errors.New("decode failed"), "decode")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "dead_letter",
		retryTracker: newRetryTracker(1, time.Minute),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: "deals.status", Partition: 0, Offset: 1, Value: []byte("bad")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	claim := &stubClaim{msgCh: msgCh}

	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	letter, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if letter.Stage != StageConsume || letter.Reason != "decode" || *letter.Offset != 1 {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
}

func TestConsumerGroupHandlerRetriesBeforeDLQ(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: HandlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return errors.New("transient")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "dead_letter",
		retryTracker: newRetryTracker(2, time.Minute),
	}

	msg := &sarama.ConsumerMessage{Topic: "deals.status", Partition: 0, Offset: 7, Value: []byte("{}")}
	msgCh := make(chan *sarama.ConsumerMessage, 2)
	msgCh <- msg
	msgCh <- msg
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected one mark after exhausting retries, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected one dlq publish, got %d", len(dlq.calls))
	}
	payload := dlq.calls[0].value.(DeadLetter)
	if payload.Attempts != 2 || payload.Reason != "max_attempts" {
		t.Fatalf("unexpected dlq payload: %+v", payload)
	}
}

func TestRetryTrackerWindowResets(t *testing.T) {
	tracker := newRetryTracker(3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	msg := &sarama.ConsumerMessage{Topic: "t", Offset: 1}

	tracker.record(msg)
	tracker.record(msg)
	now = now.Add(2 * time.Minute)
	if got := tracker.record(msg); got != 1 {
		t.Fatalf("expected attempts to reset after window, got %d", got)
	}
}
