package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultMaxLen approximately caps each stream
const DefaultMaxLen = 10000

// StreamsEventBus implements EventBus using Redis Streams.
//
// With a consumer group every event is delivered to one consumer of the
// group and acknowledged after the handler succeeds. Without one each
// subscriber tails the stream from the moment it subscribed, so every
// subscriber sees every event.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64

	mu      sync.Mutex
	cancels map[string][]context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamsEventBus creates a new Redis Streams event bus.
// An empty consumerGroup selects fan-out tailing.
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) (*StreamsEventBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if consumerGroup != "" && consumerName == "" {
		return nil, errors.New("consumer name is required with a consumer group")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		maxLen:        DefaultMaxLen,
		cancels:       make(map[string][]context.CancelFunc),
	}, nil
}

// Publish appends an event to the topic's stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := getStreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":        string(event.Type),
			"workflow_id": event.WorkflowID,
			"data":        string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("workflow_id", event.WorkflowID),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe starts delivering events on topic to handler
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	if e.consumerGroup != "" {
		err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[topic] = append(e.cancels[topic], cancel)
	e.mu.Unlock()

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	e.wg.Add(1)
	if e.consumerGroup != "" {
		go e.readGroup(subCtx, streamKey, handler)
	} else {
		go e.tail(subCtx, streamKey, handler)
	}

	return nil
}

// readGroup reads events through the consumer group
func (e *StreamsEventBus) readGroup(ctx context.Context, streamKey string, handler ports.EventHandler) {
	defer e.wg.Done()
	for ctx.Err() == nil {
		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if !e.handleReadError(ctx, streamKey, err) {
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if e.processMessage(ctx, streamKey, message, handler) {
					if err := e.client.XAck(ctx, streamKey, e.consumerGroup, message.ID).Err(); err != nil {
						e.logger.Error("failed to acknowledge message",
							zap.String("stream", streamKey),
							zap.String("message_id", message.ID),
							zap.Error(err))
					}
				}
			}
		}
	}
}

// tail reads every new event on the stream
func (e *StreamsEventBus) tail(ctx context.Context, streamKey string, handler ports.EventHandler) {
	defer e.wg.Done()
	lastID := "$"
	for ctx.Err() == nil {
		streams, err := e.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if !e.handleReadError(ctx, streamKey, err) {
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// handleReadError reports whether the read returned messages to process
func (e *StreamsEventBus) handleReadError(ctx context.Context, streamKey string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return false
	}
	e.logger.Error("failed to read from stream",
		zap.String("stream", streamKey),
		zap.Error(err))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return false
}

// processMessage decodes and handles one message, reporting success
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) bool {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return false
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return false
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return false
	}
	return true
}

// Unsubscribe stops every reader on topic
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	cancels := e.cancels[topic]
	delete(e.cancels, topic)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close stops all readers. The Redis client is closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for topic, cancels := range e.cancels {
		for _, cancel := range cancels {
			cancel()
		}
		delete(e.cancels, topic)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("stepflow:events:%s", topic)
}
