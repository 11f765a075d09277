package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/clock/fake"
	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/export"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

var now = time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)

type apiFakeStore struct {
	mu         sync.Mutex
	entities   map[string]outreach.Entity
	counts     map[string][]store.DailyCount
	errs       []store.ErrorEntry
	checkpoint *store.Checkpoint
	fail       error
}

func newAPIFakeStore() *apiFakeStore {
	return &apiFakeStore{
		entities: map[string]outreach.Entity{},
		counts:   map[string][]store.DailyCount{},
	}
}

func (f *apiFakeStore) put(e outreach.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
}

func (f *apiFakeStore) Get(_ context.Context, id string) (outreach.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	return e, nil
}

func (f *apiFakeStore) List(context.Context) ([]outreach.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]outreach.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *apiFakeStore) MarkResponded(_ context.Context, id string, at time.Time) (outreach.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	if e.State != outreach.StateContacted {
		return e, fmt.Errorf("%w: %s is %s", outreach.ErrInvalidTransition, id, e.State)
	}
	e.State = outreach.StateResponded
	e.UpdatedAt = at
	f.entities[id] = e
	return e, nil
}

func (f *apiFakeStore) DailyCounts(_ context.Context, day string) ([]store.DailyCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[day], nil
}

func (f *apiFakeStore) RecentErrors(_ context.Context, limit int) ([]store.ErrorEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.errs) {
		return f.errs[:limit], nil
	}
	return f.errs, nil
}

func (f *apiFakeStore) LatestCheckpoint(context.Context) (store.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return store.Checkpoint{}, f.fail
	}
	if f.checkpoint == nil {
		return store.Checkpoint{}, store.ErrNotFound
	}
	return *f.checkpoint, nil
}

type fakeController struct {
	paused map[outreach.ActionKind]bool
}

func (c *fakeController) Status() daemon.Status {
	return daemon.Status{Phase: daemon.PhaseSleeping}
}

func (c *fakeController) Resume(kind outreach.ActionKind) error {
	if !c.paused[kind] {
		return fmt.Errorf("%w: %s", daemon.ErrNotPaused, kind)
	}
	delete(c.paused, kind)
	return nil
}

func seeded() *apiFakeStore {
	st := newAPIFakeStore()
	st.put(outreach.Entity{ID: "a", Tier: outreach.TierA, Score: 92, State: outreach.StateContacted})
	st.put(outreach.Entity{ID: "b", Tier: outreach.TierB, Score: 75, State: outreach.StateQualified})
	st.put(outreach.Entity{ID: "c", Tier: outreach.TierD, Score: 20, State: outreach.StateDisqualified, StateReason: "low score"})
	return st
}

func newTestServer(st Store, control Controller, cfg Config) *Server {
	return NewServer(st, control, fake.New(now), cfg, nil)
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(seeded(), nil, Config{}), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	st := seeded()
	srv := newTestServer(st, nil, Config{})
	require.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/readyz").Code)

	st.fail = errors.New("disk gone")
	require.Equal(t, http.StatusServiceUnavailable, serve(t, srv, http.MethodGet, "/readyz").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(seeded(), nil, Config{}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_ListEntitiesFilters(t *testing.T) {
	t.Parallel()

	srv := newTestServer(seeded(), nil, Config{})
	rec := serve(t, srv, http.MethodGet, "/v1/entities?state=qualified")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entities []outreach.Entity `json:"entities"`
		Total    int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entities, 1)
	assert.Equal(t, "b", body.Entities[0].ID)
	assert.Equal(t, 1, body.Total)

	rec = serve(t, srv, http.MethodGet, "/v1/entities?limit=1&offset=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entities, 1)
	assert.Equal(t, "b", body.Entities[0].ID)
	assert.Equal(t, 3, body.Total)

	rec = serve(t, srv, http.MethodGet, "/v1/entities?tier=a")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entities, 1)
	assert.Equal(t, "a", body.Entities[0].ID)

	rec = serve(t, srv, http.MethodGet, "/v1/entities?offset=10")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Entities)
}

func TestServer_ListEntitiesCSV(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(seeded(), nil, Config{}), http.MethodGet, "/v1/entities?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, export.ContentType, rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, export.Columns, rows[0])
	assert.Equal(t, "c", rows[3][0])
	assert.Equal(t, "low score", rows[3][8])
}

func TestServer_ListEntitiesBadQuery(t *testing.T) {
	t.Parallel()

	srv := newTestServer(seeded(), nil, Config{})
	for _, target := range []string{
		"/v1/entities?state=LOST",
		"/v1/entities?tier=Z",
		"/v1/entities?format=xml",
		"/v1/entities?limit=0",
		"/v1/entities?offset=-1",
	} {
		assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, target).Code, target)
	}
}

func TestServer_ListEntitiesStoreFailure(t *testing.T) {
	t.Parallel()

	st := seeded()
	st.fail = errors.New("boom")
	rec := serve(t, newTestServer(st, nil, Config{}), http.MethodGet, "/v1/entities")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GetEntity(t *testing.T) {
	t.Parallel()

	srv := newTestServer(seeded(), nil, Config{})
	rec := serve(t, srv, http.MethodGet, "/v1/entities/a")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"CONTACTED"`)

	require.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodGet, "/v1/entities/zzz").Code)
}

func TestServer_MarkResponded(t *testing.T) {
	t.Parallel()

	st := seeded()
	srv := newTestServer(st, nil, Config{})

	rec := serve(t, srv, http.MethodPost, "/v1/entities/a/responded")
	require.Equal(t, http.StatusOK, rec.Code)
	e, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, outreach.StateResponded, e.State)
	assert.Equal(t, now, e.UpdatedAt)

	assert.Equal(t, http.StatusConflict, serve(t, srv, http.MethodPost, "/v1/entities/b/responded").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodPost, "/v1/entities/nope/responded").Code)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	st := seeded()
	st.checkpoint = &store.Checkpoint{CycleID: "cyc-1", Status: store.CheckpointCompleted, StartedAt: now}
	rec := serve(t, newTestServer(st, &fakeController{}, Config{}), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"phase":"sleeping"`)
	require.Contains(t, rec.Body.String(), `"cycle_id":"cyc-1"`)

	rec = serve(t, newTestServer(seeded(), nil, Config{}), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "daemon")
}

func TestServer_ResumeKind(t *testing.T) {
	t.Parallel()

	control := &fakeController{paused: map[outreach.ActionKind]bool{outreach.KindMessage: true}}
	srv := newTestServer(seeded(), control, Config{})

	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodPost, "/v1/kinds/message/resume").Code)
	assert.Equal(t, http.StatusConflict, serve(t, srv, http.MethodPost, "/v1/kinds/message/resume").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/kinds/follow/resume").Code)

	noDaemon := newTestServer(seeded(), nil, Config{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, noDaemon, http.MethodPost, "/v1/kinds/join/resume").Code)
}

func TestServer_DailyStats(t *testing.T) {
	t.Parallel()

	st := seeded()
	st.counts["2025-05-06"] = []store.DailyCount{{Day: "2025-05-06", Kind: outreach.KindJoin, Outcome: outreach.ClassSuccess, Count: 4}}
	srv := newTestServer(st, nil, Config{})

	rec := serve(t, srv, http.MethodGet, "/v1/stats/daily")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":4`)

	rec = serve(t, srv, http.MethodGet, "/v1/stats/daily?day=2025-05-01")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"counts":[]`)

	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/v1/stats/daily?day=yesterday").Code)
}

func TestServer_RecentErrors(t *testing.T) {
	t.Parallel()

	st := seeded()
	st.errs = []store.ErrorEntry{
		{At: now, Scope: store.ScopeKind, Kind: outreach.KindMessage, Message: "credential revoked"},
		{At: now.Add(-time.Minute), Scope: store.ScopeProcess, Message: "store down"},
	}
	rec := serve(t, newTestServer(st, nil, Config{}), http.MethodGet, "/v1/errors?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "credential revoked")
	require.NotContains(t, rec.Body.String(), "store down")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(seeded(), nil, Config{AuthEnabled: true, APIKey: "s3cret"})

	assert.Equal(t, http.StatusForbidden, serve(t, srv, http.MethodGet, "/v1/entities").Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v1/entities?api_key=s3cret").Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/healthz").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/errors", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(panicStore{newAPIFakeStore()}, nil, Config{})
	rec := serve(t, srv, http.MethodGet, "/v1/entities")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicStore struct{ *apiFakeStore }

func (panicStore) List(context.Context) ([]outreach.Entity, error) { panic("list exploded") }
