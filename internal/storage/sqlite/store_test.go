package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
	"github.com/JakeFAU/outreach-daemon/internal/store/storetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, store.Config{Rules: storetest.Rules(), Location: time.UTC})
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T, cfg store.Config) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "outreach.db"), cfg)
		require.NoError(t, err)
		return s
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "outreach.db")
	ctx := context.Background()
	at := storetest.Epoch.Add(time.Minute)

	s := openTestStore(t, path)
	_, _, err := s.Upsert(ctx, outreach.Candidate{
		ID:         "tok-1",
		Attributes: outreach.Attributes{storetest.AttrScore: 70.0, "name": "One"},
		SeenAt:     storetest.Epoch,
	})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, "tok-1", outreach.Attempt{
		Kind:    outreach.KindEnrich,
		Outcome: outreach.Success{Attributes: outreach.Attributes{"chain": "solana"}},
		At:      at,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	t.Cleanup(func() { _ = reopened.Close() })

	e, err := reopened.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, outreach.StateEnriched, e.State)
	require.Equal(t, "solana", e.Attributes.String("chain"))
	require.Len(t, e.History, 1)
	require.True(t, e.History[0].At.Equal(at))

	again, err := reopened.RecordOutcome(ctx, "tok-1", outreach.Attempt{
		Kind:    outreach.KindEnrich,
		Outcome: outreach.Success{},
		At:      at.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, again.History, 1)

	var version int
	require.NoError(t, reopened.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	require.Equal(t, 1, version)
}

func TestSuccessIndexRejectsSecondSuccess(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), "outreach.db"))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, _, err := s.Upsert(ctx, outreach.Candidate{ID: "tok-1", SeenAt: storetest.Epoch})
	require.NoError(t, err)

	rec := []outreach.ActionRecord{{Kind: outreach.KindEnrich, At: storetest.Epoch, Outcome: outreach.ClassSuccess}}
	require.NoError(t, appendHistory(ctx, s.db, "tok-1", rec))
	require.Error(t, appendHistory(ctx, s.db, "tok-1", rec))
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("", store.Config{})
	require.Error(t, err)
}
