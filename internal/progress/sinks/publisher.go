package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
)

// Notification is the JSON payload published for each finished action.
type Notification struct {
	CycleID  string    `json:"cycle_id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	Outcome  string    `json:"outcome"`
	Tier     string    `json:"tier,omitempty"`
	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// OrderingKey keeps notifications for one entity in order.
func (n Notification) OrderingKey() string { return n.EntityID }

// Attributes exposes routing fields to brokers that filter on them.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"kind": n.Kind, "outcome": n.Outcome}
}

// PublisherSink forwards action and pause events to a message topic.
type PublisherSink struct {
	publisher outreach.Publisher
	topic     string
	// outcomes restricts notifications to these classes; empty means all.
	outcomes map[outreach.OutcomeClass]bool
}

// NewPublisherSink returns a sink publishing to topic. When outcomes is
// non-empty only actions with those outcome classes are published.
func NewPublisherSink(pub outreach.Publisher, topic string, outcomes ...outreach.OutcomeClass) (*PublisherSink, error) {
	if pub == nil {
		return nil, errors.New("publisher sink requires a publisher")
	}
	if topic == "" {
		return nil, errors.New("publisher sink requires a topic")
	}
	filter := make(map[outreach.OutcomeClass]bool, len(outcomes))
	for _, o := range outcomes {
		filter[o] = true
	}
	return &PublisherSink{publisher: pub, topic: topic, outcomes: filter}, nil
}

// Consume publishes one message per matching event. All events are attempted;
// the returned error joins every publish failure.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !s.wants(evt) {
			continue
		}
		msg := Notification{
			CycleID:  evt.CycleUUID().String(),
			At:       evt.TS.UTC(),
			Kind:     string(evt.Kind),
			EntityID: evt.EntityID,
			Outcome:  string(evt.Outcome),
			Tier:     string(evt.Tier),
			State:    string(evt.State),
			Reason:   evt.Note,
		}
		if evt.Stage == progress.StageKindPaused {
			msg.Outcome = string(outreach.ClassFatal)
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Kind, evt.EntityID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) wants(evt progress.Event) bool {
	switch evt.Stage {
	case progress.StageKindPaused:
		return true
	case progress.StageActionDone:
		return len(s.outcomes) == 0 || s.outcomes[evt.Outcome]
	default:
		return false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
