// Package notify records best-effort user-facing campaign events. Failures
// here are logged and never propagated into the dispatch loop.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/pviana/lead-dispatcher/internal/model"
)

// Sink persists notification rows.
type Sink interface {
	CreateNotification(ctx context.Context, n model.Notification) error
}

// Notifier writes a notification row and, when an event publisher is
// configured, also emits a campaign event to the broker.
type Notifier struct {
	sink   Sink
	events *EventPublisher
}

func New(sink Sink, events *EventPublisher) *Notifier {
	return &Notifier{sink: sink, events: events}
}

func (n *Notifier) CampaignCompleted(ctx context.Context, c *model.Campaign) {
	msg := fmt.Sprintf("Campaign %q completed: %d sent, %d errors", c.Name, c.SentCount, c.ErrorCount)
	n.emit(ctx, c, "campaign_completed", msg)
}

func (n *Notifier) CampaignPaused(ctx context.Context, c *model.Campaign, reason string) {
	msg := fmt.Sprintf("Campaign %q was paused: %s", c.Name, reason)
	n.emit(ctx, c, "campaign_paused", msg)
}

func (n *Notifier) emit(ctx context.Context, c *model.Campaign, kind, msg string) {
	if n == nil {
		return
	}
	if n.sink != nil {
		err := n.sink.CreateNotification(ctx, model.Notification{
			UserID:     c.UserID,
			CampaignID: c.ID,
			Kind:       kind,
			Message:    msg,
		})
		if err != nil {
			slog.Error("failed to persist notification", "campaign_id", c.ID, "kind", kind, "err", err)
		}
	}
	if n.events != nil {
		if err := n.events.Publish(kind, c.ID, msg); err != nil {
			slog.Error("failed to publish campaign event", "campaign_id", c.ID, "kind", kind, "err", err)
		}
	}
}

// EventPublisher pushes campaign lifecycle events onto a durable RabbitMQ
// queue for downstream consumers (email delivery, webhooks).
type EventPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewEventPublisher(url, queue string) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &EventPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Close shuts down the broker connection and its channel. Safe to call on a
// nil publisher, so main can close unconditionally.
func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.conn.Close()
}

type campaignEvent struct {
	Kind       string    `json:"kind"`
	CampaignID int64     `json:"campaignId"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

func (p *EventPublisher) Publish(kind string, campaignID int64, msg string) error {
	body, err := json.Marshal(campaignEvent{
		Kind:       kind,
		CampaignID: campaignID,
		Message:    msg,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
