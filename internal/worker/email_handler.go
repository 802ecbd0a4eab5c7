package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediapulse/internal/models"
)

// Message is a rendered email ready for delivery. Template rendering happens
// upstream; the handler only schedules and guarantees delivery.
type Message struct {
	MessageID string   `json:"message_id"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

// Sender delivers one message. Implementations wrap an SMTP relay or a
// provider API.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendFunc adapts a function to the Sender interface.
type SendFunc func(ctx context.Context, msg Message) error

func (f SendFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// EmailHandler delivers queued email. The queue guarantees at-least-once, so
// the handler makes duplicate execution a no-op: a marker per message id
// records that delivery already happened. The marker is written only after a
// successful send — a replay racing the marker write can double-send, the
// at-least-once trade-off, whereas a marker claimed up front would survive a
// timed-out or crashed attempt and suppress every retry of a message that
// was never delivered.
type EmailHandler struct {
	client  *redis.Client
	sender  Sender
	sentTTL time.Duration
	log     *zap.Logger
}

func NewEmailHandler(client *redis.Client, sender Sender, sentTTL time.Duration, log *zap.Logger) *EmailHandler {
	if sentTTL == 0 {
		sentTTL = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailHandler{client: client, sender: sender, sentTTL: sentTTL, log: log}
}

func sentKey(messageID string) string { return "{jobs:email}:sent:" + messageID }

// Handle delivers the message unless an earlier attempt already did.
func (h *EmailHandler) Handle(ctx context.Context, job models.Job) error {
	msg, err := decodeMessage(job)
	if err != nil {
		return err
	}

	sent, err := h.client.Exists(ctx, sentKey(msg.MessageID)).Result()
	if err != nil {
		return fmt.Errorf("check sent marker: %w", err)
	}
	if sent > 0 {
		h.log.Info("duplicate delivery suppressed",
			zap.String("job", job.ID),
			zap.String("message_id", msg.MessageID))
		return nil
	}

	if err := h.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send message %s: %w", msg.MessageID, err)
	}

	// The marker write must survive the handler deadline expiring right
	// after the send; losing it only risks a duplicate on replay, so a
	// failure here never fails the job.
	if err := h.client.Set(context.WithoutCancel(ctx), sentKey(msg.MessageID), job.ID, h.sentTTL).Err(); err != nil {
		h.log.Warn("sent marker not recorded",
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}
	return nil
}

func decodeMessage(job models.Job) (Message, error) {
	var msg Message
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return msg, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode payload: %w", err)
	}
	if msg.MessageID == "" {
		return msg, errors.New("message_id is required")
	}
	if len(msg.To) == 0 {
		return msg, errors.New("at least one recipient is required")
	}
	return msg, nil
}
