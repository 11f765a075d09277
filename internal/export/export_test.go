package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/clock/fake"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/storage/memory"
)

var at = time.Date(2025, 4, 2, 15, 4, 5, 0, time.UTC)

type staticLister struct {
	entities []outreach.Entity
	err      error
}

func (s staticLister) List(context.Context) ([]outreach.Entity, error) {
	return s.entities, s.err
}

func sample() []outreach.Entity {
	return []outreach.Entity{
		{
			ID:             "aaa",
			Tier:           outreach.TierA,
			Score:          91.256,
			State:          outreach.StateContacted,
			WeightsVersion: "w1",
			History: []outreach.ActionRecord{
				{Kind: outreach.KindEnrich, At: at.Add(-time.Hour), Outcome: outreach.ClassSuccess},
				{Kind: outreach.KindMessage, At: at.In(time.FixedZone("X", 3600)), Outcome: outreach.ClassSuccess},
			},
		},
		{
			ID:          "bbb,quoted",
			State:       outreach.StateDisqualified,
			StateReason: "score 12.00 below 50",
		},
	}
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, []string{"aaa", "A", "91.26", "CONTACTED", "message", "2025-04-02T15:04:05Z", "success", "w1", ""}, rows[1])
	assert.Equal(t, []string{"bbb,quoted", "", "0.00", "DISQUALIFIED", "", "", "", "", "score 12.00 below 50"}, rows[2])
}

func TestColumnsArePrefixStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"id", "tier", "score", "state", "last_action", "last_action_at"}, Columns[:6])
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	x := New(staticLister{entities: sample()}, blobs, fake.New(at), "snapshots", nil)

	uri, n, err := x.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "memory://snapshots/entities-20250402T150405Z.csv", uri)

	data, ok := blobs.Object("snapshots/entities-20250402T150405Z.csv")
	require.True(t, ok)
	assert.Contains(t, string(data), "aaa,A,91.26,CONTACTED")
}

func TestSnapshotListError(t *testing.T) {
	t.Parallel()

	x := New(staticLister{err: errors.New("db down")}, memory.NewBlobStore(), fake.New(at), "", nil)
	_, _, err := x.Snapshot(context.Background())
	require.ErrorContains(t, err, "db down")
}
