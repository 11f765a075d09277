// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/app"
	"github.com/JakeFAU/outreach-daemon/internal/config"
	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

// MockTransport mocks http.RoundTripper so feed traffic never leaves the test.
type MockTransport struct {
	mock.Mock
}

// RoundTrip satisfies http.RoundTripper for the mock.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// baseConfig loads defaults and points every side effect at the test sandbox.
func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = config.DriverMemory
	cfg.Feed.DEXScreener.Enabled = false
	cfg.Export.LocalDir = filepath.Join(t.TempDir(), "exports")
	return cfg
}

func TestNew_MemoryDryRun(t *testing.T) {
	a, err := app.New(context.Background(), baseConfig(t), zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Store())
	assert.Equal(t, daemon.PhaseIdle, a.Status().Phase)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Collaborator.Mode = "carrier-pigeon"

	_, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "collaborator.mode")
}

func TestNew_DuplicateCollectorsFail(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := app.New(context.Background(), baseConfig(t), nil, app.Options{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { first.Close(context.Background()) })

	cfg := baseConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "outreach.db")

	_, err = app.New(context.Background(), cfg, nil, app.Options{Registerer: reg})
	require.ErrorContains(t, err, "register progress collectors")

	again, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	again.Close(context.Background())
}

func TestOnce_SQLiteWithFeed(t *testing.T) {
	transport := &MockTransport{}
	transport.On("RoundTrip", mock.MatchedBy(func(r *http.Request) bool {
		return r.URL.Path == "/token-profiles/latest/v1"
	})).Return(jsonResponse(`[]`), nil).Once()

	cfg := baseConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "data", "outreach.db")
	cfg.Feed.DEXScreener.Enabled = true
	cfg.Feed.DEXScreener.BaseURL = "http://dex.invalid"

	a, err := app.New(context.Background(), cfg, nil, app.Options{
		Registerer:        prometheus.NewRegistry(),
		IgnoreActiveHours: true,
		HTTPClient:        &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	report, err := a.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, report.Status)
	assert.Zero(t, report.Ingested)
	transport.AssertExpectations(t)

	cp, err := a.Store().LatestCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.CycleID, cp.CycleID)
}

func TestSnapshot_LocalDir(t *testing.T) {
	cfg := baseConfig(t)
	a, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	_, _, err = a.Store().Upsert(context.Background(), outreach.Candidate{
		ID:         "tok-1",
		Attributes: outreach.Attributes{"telegram": "https://t.me/tok1"},
		SeenAt:     a.Now(),
	})
	require.NoError(t, err)

	uri, n, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.True(t, strings.HasPrefix(uri, "file://"), uri)

	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tok-1")
}

func TestServe_Disabled(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Server.Enabled = false
	a, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NoError(t, a.Serve(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Server.Enabled = false
	a, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Equal(t, daemon.PhaseStopped, a.Status().Phase)
}
