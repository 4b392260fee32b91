package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryWindow  time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.ClientID = "dealrouter"
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
		retryWindow: 10 * time.Minute,
	}, nil
}

// WithDLQ routes poison messages to topic once they exhaust maxAttempts or
// the handler returns a DLQError.
func (c *Consumer) WithDLQ(publisher Publisher, topic string, maxAttempts int) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.retryWindow),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			continue
		}

		attempts := h.retryTracker.record(msg)
		var dlqErr *DLQError
		poison := errors.As(err, &dlqErr)
		if !poison && !h.retryTracker.exhausted(attempts) {
			h.logger.Warn("kafka message handler error, will retry",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempts", attempts, "error", err)
			continue
		}
		if dlqErr == nil {
			dlqErr = &DLQError{Err: err, Reason: "max_attempts"}
		}
		h.deadLetter(session.Context(), msg, dlqErr, attempts)
		h.retryTracker.clear(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("dropping kafka message without dlq",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}
	payload := consumedDeadLetter(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return
	}
	h.logger.Warn("kafka message sent to dlq",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", err.Reason)
}

type retryKey struct {
	topic     string
	partition int32
	offset    int64
}

type retryEntry struct {
	attempts int
	first    time.Time
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	entries     map[retryKey]retryEntry
	now         func() time.Time
}

func newRetryTracker(maxAttempts int, window time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		window:      window,
		entries:     map[retryKey]retryEntry{},
		now:         time.Now,
	}
}

func keyOf(msg *sarama.ConsumerMessage) retryKey {
	return retryKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
}

func (t *retryTracker) record(msg *sarama.ConsumerMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	k := keyOf(msg)
	entry, ok := t.entries[k]
	if !ok || (t.window > 0 && now.Sub(entry.first) > t.window) {
		entry = retryEntry{first: now}
	}
	entry.attempts++
	t.entries[k] = entry
	return entry.attempts
}

func (t *retryTracker) exhausted(attempts int) bool {
	return attempts >= t.maxAttempts
}

func (t *retryTracker) clear(msg *sarama.ConsumerMessage) {
	t.mu.Lock()
	delete(t.entries, keyOf(msg))
	t.mu.Unlock()
}
