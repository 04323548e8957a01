package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"milestoneescrow/timeline"
)

// Message is the JSON body published for every event.
type Message struct {
	EventID   string         `json:"event_id"`
	DealID    int64          `json:"deal_id"`
	Seq       int64          `json:"seq"`
	Type      timeline.Type  `json:"type"`
	Milestone *int           `json:"milestone,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// NewMessage converts an event to its wire form.
func NewMessage(ev timeline.Event) Message {
	return Message{
		EventID:   ev.ID,
		DealID:    int64(ev.DealID),
		Seq:       ev.Seq,
		Type:      ev.Type,
		Milestone: ev.Milestone,
		Actor:     string(ev.Actor),
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
}

// Subject is prefix + "." + the event's topic, e.g. "escrow.milestone.approved".
func Subject(prefix string, ev timeline.Event) string {
	return prefix + "." + ev.Type.Topic()
}

// NATSPublisher publishes events to a JetStream stream that captures every
// subject under its prefix.
type NATSPublisher struct {
	js     nats.JetStreamContext
	prefix string
}

// NewNATSPublisher binds to stream, creating it when it does not exist yet.
func NewNATSPublisher(nc *nats.Conn, stream, prefix string) (*NATSPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("outbox: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("outbox: stream info %s: %w", stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{fmt.Sprintf("%s.>", prefix)},
		}); err != nil {
			return nil, fmt.Errorf("outbox: create stream %s: %w", stream, err)
		}
	}

	return &NATSPublisher{js: js, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev timeline.Event) error {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("outbox: marshal message: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = body
	// JetStream drops duplicates with the same id inside its dedup window
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Escrow-Deal-Id", strconv.FormatInt(int64(ev.DealID), 10))

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return err
	}
	return nil
}
