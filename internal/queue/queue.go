// internal/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/model"
)

// Redis list keys. Producers LPUSH, the consumer BRPOP, so delivery order is
// FIFO per list. Dead letters land on their own list for inspection.
const (
	defaultQueueKey = "ingest:queue"
	defaultDeadKey  = "ingest:dead"
)

// Delivery is one dequeued message. Err is set instead of Msg when the
// payload did not decode; the consumer routes those straight to dead-letter.
type Delivery struct {
	Msg model.IngestMessage
	Raw string
	Err error
}

// Queue is the Redis-list-backed ingest queue plus its dead-letter channel.
// Transport is at-least-once: handlers stay idempotent via hash comparison.
type Queue struct {
	rdb     *redis.Client
	key     string
	deadKey string
	logger  *slog.Logger
}

// New wraps a Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, key: defaultQueueKey, deadKey: defaultDeadKey, logger: logger}
}

// Enqueue pushes one ingest message.
func (q *Queue) Enqueue(ctx context.Context, msg model.IngestMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &apperr.ValidationError{Reason: fmt.Sprintf("encoding ingest message: %v", err)}
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return &apperr.StoreError{Op: "enqueue", Err: err}
	}
	q.logger.Debug("Enqueued message", "type", msg.Type, "owner", msg.Owner, "repo", msg.Repo)
	return nil
}

// Dequeue reserves up to max messages. It blocks up to wait for the first
// message, then drains whatever else is immediately available.
func (q *Queue) Dequeue(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	first, err := q.rdb.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "dequeue", Err: err}
	}
	// BRPop returns [key, value].
	deliveries := []Delivery{decode(first[1])}

	for len(deliveries) < max {
		raw, err := q.rdb.RPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return deliveries, &apperr.StoreError{Op: "dequeue", Err: err}
		}
		deliveries = append(deliveries, decode(raw))
	}
	return deliveries, nil
}

func decode(raw string) Delivery {
	var msg model.IngestMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Delivery{Raw: raw, Err: &apperr.ValidationError{Reason: fmt.Sprintf("malformed ingest message: %v", err)}}
	}
	if msg.Type != model.MessageTypeRepository && msg.Type != model.MessageTypeFile {
		return Delivery{Raw: raw, Msg: msg, Err: &apperr.ValidationError{Reason: "unknown message type " + msg.Type}}
	}
	return Delivery{Raw: raw, Msg: msg}
}

// DeadLetter appends a failed message to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, dl model.DeadLetterMessage) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return &apperr.ValidationError{Reason: fmt.Sprintf("encoding dead letter: %v", err)}
	}
	if err := q.rdb.LPush(ctx, q.deadKey, payload).Err(); err != nil {
		return &apperr.StoreError{Op: "dead letter", Err: err}
	}
	q.logger.Warn("Dead-lettered message",
		"type", dl.OriginalMessage.Type,
		"owner", dl.OriginalMessage.Owner,
		"repo", dl.OriginalMessage.Repo,
		"code", dl.Error.Code,
		"attempts", dl.Attempts)
	return nil
}
