// internal/ingest/consumer.go
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"repo-mirror/internal/queue"
)

const dequeueWait = 5 * time.Second

// BatchQueue reserves message batches for consumption.
type BatchQueue interface {
	Dequeue(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
}

// BatchProcessor handles one reserved batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, deliveries []queue.Delivery)
}

// Consumer loops on the ingest queue, handing reserved batches to the
// processor until the context is cancelled.
type Consumer struct {
	queue     BatchQueue
	processor BatchProcessor
	batchSize int
	logger    *slog.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(q BatchQueue, p BatchProcessor, batchSize int, logger *slog.Logger) *Consumer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Consumer{queue: q, processor: p, batchSize: batchSize, logger: logger}
}

// Start blocks draining the queue until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("Starting queue consumer", "batch_size", c.batchSize)
	for {
		if ctx.Err() != nil {
			c.logger.Info("Queue consumer shutting down", "reason", ctx.Err())
			return
		}
		deliveries, err := c.queue.Dequeue(ctx, c.batchSize, dequeueWait)
		// A mid-drain failure still hands back the messages already popped
		// off the list; they must be processed or they are lost.
		if len(deliveries) > 0 {
			c.processor.ProcessBatch(ctx, deliveries)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("Failed to dequeue batch", "error", err)
			// Back off a beat so a down queue does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}
