// Package export flattens entities into the stable CSV snapshot format.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// ContentType of a snapshot.
const ContentType = "text/csv"

// Columns is the snapshot header. New columns are appended, never renamed or
// removed.
var Columns = []string{
	"id",
	"tier",
	"score",
	"state",
	"last_action",
	"last_action_at",
	"last_outcome",
	"weights_version",
	"state_reason",
}

// Row flattens one entity in Columns order.
func Row(e outreach.Entity) []string {
	var (
		lastKind, lastAt, lastOutcome string
	)
	if n := len(e.History); n > 0 {
		rec := e.History[n-1]
		lastKind = string(rec.Kind)
		lastAt = rec.At.UTC().Format(time.RFC3339)
		lastOutcome = string(rec.Outcome)
	}
	return []string{
		e.ID,
		string(e.Tier),
		strconv.FormatFloat(e.Score, 'f', 2, 64),
		string(e.State),
		lastKind,
		lastAt,
		lastOutcome,
		e.WeightsVersion,
		e.StateReason,
	}
}

// WriteCSV writes the header and one row per entity.
func WriteCSV(w io.Writer, entities []outreach.Entity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entities {
		if err := cw.Write(Row(e)); err != nil {
			return fmt.Errorf("write row %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Lister is the store surface a snapshot needs.
type Lister interface {
	List(ctx context.Context) ([]outreach.Entity, error)
}

// Exporter writes timestamped snapshots to a blob store.
type Exporter struct {
	store  Lister
	blobs  outreach.BlobStore
	clock  outreach.Clock
	prefix string
	logger *zap.Logger
}

// New constructs an Exporter writing under prefix.
func New(st Lister, blobs outreach.BlobStore, clock outreach.Clock, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: st, blobs: blobs, clock: clock, prefix: prefix, logger: logger.Named("export")}
}

// Snapshot exports every entity and returns the object URI and row count.
func (x *Exporter) Snapshot(ctx context.Context) (string, int, error) {
	entities, err := x.store.List(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list entities: %w", err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, entities); err != nil {
		return "", 0, err
	}
	name := path.Join(x.prefix, "entities-"+x.clock.Now().UTC().Format("20060102T150405Z")+".csv")
	uri, err := x.blobs.PutObject(ctx, name, ContentType, &buf)
	if err != nil {
		return "", 0, fmt.Errorf("put snapshot: %w", err)
	}
	x.logger.Info("snapshot exported", zap.String("uri", uri), zap.Int("rows", len(entities)))
	return uri, len(entities), nil
}
