package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter stages.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a message as poison: the consumer skips remaining retries
// and routes it straight to the dead-letter topic.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err == nil:
		return e.Reason
	case e.Reason == "":
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DLQ wraps err as poison. A nil err stays nil.
func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// IsPoison reports whether err (or anything it wraps) is a DLQError.
func IsPoison(err error) bool {
	var dlqErr *DLQError
	return errors.As(err, &dlqErr)
}

// DeadLetter is the record written to the dead-letter topic for both failed
// consumption and failed publication.
type DeadLetter struct {
	Stage     string    `json:"stage"`
	Topic     string    `json:"original_topic"`
	Partition *int32    `json:"partition,omitempty"`
	Offset    *int64    `json:"offset,omitempty"`
	Key       string    `json:"key,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Payload   string    `json:"payload_base64,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

func consumedDeadLetter(msg *sarama.ConsumerMessage, cause *DLQError, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:    StageConsume,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Reason = cause.Reason
		dl.Error = cause.Error()
		if cause.Err != nil {
			dl.Error = cause.Err.Error()
		}
	}
	if msg == nil {
		return dl
	}
	partition, offset := msg.Partition, msg.Offset
	dl.Topic = msg.Topic
	dl.Partition = &partition
	dl.Offset = &offset
	dl.Key = string(msg.Key)
	dl.setPayload(msg.Value)
	return dl
}

func publishedDeadLetter(topic, key string, value any, cause error, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:    StagePublish,
		Topic:    topic,
		Key:      key,
		Reason:   "publish_failed",
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if value == nil {
		return dl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	dl.setPayload(raw)
	return dl
}

// setPayload stores the raw bytes and, when they carry an event envelope,
// lifts its id and type so the dead letter can be searched without decoding.
func (d *DeadLetter) setPayload(raw []byte) {
	if len(raw) == 0 {
		return
	}
	d.Payload = base64.StdEncoding.EncodeToString(raw)
	var env Envelope
	if json.Unmarshal(raw, &env) == nil {
		d.EventID = env.EventID
		d.EventType = env.EventType
	}
}
