package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"watchparty/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventCommentAppended EventType = "comment.appended"
	EventSignalRelay     EventType = "signal.relay"
)

// Event is published on the shared channel. TargetInstance, when set,
// restricts handling to that instance.
type Event struct {
	Type           EventType       `json:"type"`
	InstanceID     string          `json:"instance_id"`
	TargetInstance string          `json:"target_instance,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	RoomID         domain.RoomID   `json:"room_id,omitempty"`
	PeerID         domain.PeerID   `json:"peer_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans events out to every server instance over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID, prefix string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    prefix + "events",
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"peer_id", event.PeerID,
		"target_instance", event.TargetInstance,
	)
	return nil
}

// Subscribe blocks, calling handler for every event addressed to this
// instance, until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(context.Context, *Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event channel closed")
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if !eb.accepts(&event) {
				continue
			}

			if err := handler(ctx, &event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) accepts(event *Event) bool {
	if event.InstanceID == eb.instanceID {
		return false
	}
	return event.TargetInstance == "" || event.TargetInstance == eb.instanceID
}

// PublishCommentAppended tells other instances to refresh the room's
// subscribers.
func (eb *EventBus) PublishCommentAppended(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, &Event{
		Type:   EventCommentAppended,
		RoomID: roomID,
	})
}

// PublishSignal hands a broker frame to the instance holding dst.
func (eb *EventBus) PublishSignal(ctx context.Context, instanceID string, dst domain.PeerID, frame []byte) error {
	return eb.Publish(ctx, &Event{
		Type:           EventSignalRelay,
		TargetInstance: instanceID,
		PeerID:         dst,
		Payload:        frame,
	})
}
