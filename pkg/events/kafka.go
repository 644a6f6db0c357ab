package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// The Kafka stream is an audit trail of room activity. Publishing is
// asynchronous relative to the in-memory broadcast; a lost event never
// delays or fails a room operation.

type EventType string

const (
	EventTypeRoomCreated  EventType = "room_created"
	EventTypeRoomClosed   EventType = "room_closed"
	EventTypeMemberJoined EventType = "member_joined"
	EventTypeMemberLeft   EventType = "member_left"
	EventTypeVoteCast     EventType = "vote_cast"
	EventTypeVotePassed   EventType = "vote_passed"
	EventTypeTrackStarted EventType = "track_started"
)

type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type KafkaClient struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafkaClient(brokers []string, topic string, groupID string) *KafkaClient {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})

	return &KafkaClient{
		writer: writer,
		reader: reader,
	}
}

// Publish writes one room event to the stream.
func (k *KafkaClient) Publish(ctx context.Context, eventType EventType, roomID, userID string, payload interface{}) error {
	event := Event{
		Type:      eventType,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now(),
	}

	if payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		event.Payload = payloadJSON
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(uuid.New().String()),
		Value: eventJSON,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Consume reads events until the context is cancelled, passing each to the
// handler.
func (k *KafkaClient) Consume(ctx context.Context, handler func(Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := k.reader.ReadMessage(ctx)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}

			if err := handler(event); err != nil {
				return fmt.Errorf("failed to handle event: %w", err)
			}
		}
	}
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}

// Event payload types

type VoteCastPayload struct {
	Action    string `json:"action"`
	TrackID   string `json:"track_id"`
	VoteCount int    `json:"vote_count"`
}

type VotePassedPayload struct {
	Action  string `json:"action"`
	TrackID string `json:"track_id"`
}

type TrackStartedPayload struct {
	TrackID string `json:"track_id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Origin  string `json:"origin"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}
