package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
	"github.com/JakeFAU/outreach-daemon/internal/publisher/memory"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

func actionEvent(id uuid.UUID, entity string, outcome outreach.OutcomeClass) progress.Event {
	return progress.Event{
		CycleID:  progress.UUIDToBytes(id),
		TS:       time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		Stage:    progress.StageActionDone,
		Kind:     outreach.KindMessage,
		EntityID: entity,
		Outcome:  outcome,
		Tier:     outreach.TierB,
		State:    outreach.StateContacted,
	}
}

func TestPublisherSinkFiltersByOutcome(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "outreach-events", outreach.ClassSuccess)
	require.NoError(t, err)

	id := uuid.New()
	batch := []progress.Event{
		{CycleID: progress.UUIDToBytes(id), TS: time.Now(), Stage: progress.StageCycleStart},
		actionEvent(id, "tok-1", outreach.ClassSuccess),
		actionEvent(id, "tok-2", outreach.ClassRetryable),
		{TS: time.Now(), Stage: progress.StageKindPaused, Kind: outreach.KindJoin, Note: "session revoked"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "outreach-events", msgs[0].Topic)
	first, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "tok-1", first.EntityID)
	require.Equal(t, id.String(), first.CycleID)
	require.Equal(t, "CONTACTED", first.State)

	pause, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "join", pause.Kind)
	require.Equal(t, "fatal", pause.Outcome)
	require.Equal(t, "session revoked", pause.Reason)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewPublisherSink(failingPublisher{}, "topic")
	require.NoError(t, err)

	id := uuid.New()
	err = sink.Consume(context.Background(), []progress.Event{
		actionEvent(id, "a", outreach.ClassSuccess),
		actionEvent(id, "b", outreach.ClassSkip),
	})
	require.ErrorContains(t, err, "publish message a")
	require.ErrorContains(t, err, "publish message b")
}

func TestNewPublisherSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPublisherSink(nil, "topic")
	require.Error(t, err)
	_, err = NewPublisherSink(memory.New(), "")
	require.Error(t, err)
}
