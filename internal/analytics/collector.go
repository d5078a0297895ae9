package analytics

import (
	"context"
	"log/slog"

	"github.com/quarrylabs/quarry/pkg/kafka"
	"github.com/quarrylabs/quarry/pkg/logger"
)

// Collector buffers telemetry events and ships them to Kafka off the
// request path. Events are dropped rather than blocking a search when the
// buffer is full.
type Collector struct {
	producer *kafka.Producer
	eventCh  chan interface{}
	logger   *slog.Logger
	done     chan struct{}
}

func NewCollector(producer *kafka.Producer, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer: producer,
		eventCh:  make(chan interface{}, bufferSize),
		logger:   logger.WithComponent("analytics-collector"),
		done:     make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

func (c *Collector) Track(event interface{}) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event interface{}) {
	if err := c.producer.Publish(ctx, kafka.Event{
		Key:   "analytics",
		Value: event,
	}); err != nil {
		c.logger.Error("failed to publish analytics event", "error", err)
	}
}

// drainRemaining flushes whatever is still buffered in one batched write.
func (c *Collector) drainRemaining() {
	var events []kafka.Event
	for draining := true; draining; {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				draining = false
				break
			}
			events = append(events, kafka.Event{Key: "analytics", Value: event})
		default:
			draining = false
		}
	}
	if len(events) == 0 {
		return
	}
	if err := c.producer.PublishBatch(context.Background(), events); err != nil {
		c.logger.Error("failed to flush analytics events", "count", len(events), "error", err)
	}
}
