package outreach

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

// ErrEnrichmentUnavailable signals a transient enrichment failure.
var ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

// ErrIneligible signals that an entity can never be enriched or acted on.
var ErrIneligible = errors.New("entity ineligible")

// Feed yields raw candidates. The sequence is finite and may be restarted by
// calling Candidates again.
type Feed interface {
	Candidates(ctx context.Context) iter.Seq2[Candidate, error]
}

// Enricher returns additional attributes for an entity.
type Enricher interface {
	Enrich(ctx context.Context, e Entity) (Attributes, error)
}

// ActionClient performs the physical effect of a join, identify or message
// action. It owns the acting credential; the pipeline only observes Fatal.
type ActionClient interface {
	Perform(ctx context.Context, e Entity, kind ActionKind) (Outcome, error)
}

// Clock abstracts time retrieval for deterministic testing.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher emits notification messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore persists exported artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
