package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/pranav-miglani/dental-record/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWiresMemoryBackends(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default(), nil, "test")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "memory://dental-hospital-images-prod", a.Blobs.Active.Location())
	assert.Equal(t, "memory://dental-hospital-archive-prod", a.Blobs.Cold.Location())

	p, steps, err := a.Procedures.Create(ctx, procedure.CreateRequest{
		PatientID: "patient-1", Category: registry.Scaling, AssignedBy: "dr-a",
	})
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	report, err := a.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned, "a fresh procedure is not past retention")

	w := httptest.NewRecorder()
	a.Server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/procedures/"+p.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.Server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	for _, probe := range []string{"store", "blob_active", "blob_cold"} {
		assert.Contains(t, w.Body.String(), `"name":"`+probe+`"`)
	}
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	_, err := New(context.Background(), cfg, nil, "test")
	assert.ErrorContains(t, err, "unknown store backend")

	cfg = config.Default()
	cfg.Blob.Backend = "gcs"
	_, err = New(context.Background(), cfg, nil, "test")
	assert.ErrorContains(t, err, "unknown blob backend")

	cfg = config.Default()
	cfg.Cursor.Backend = "etcd"
	_, err = New(context.Background(), cfg, nil, "test")
	assert.ErrorContains(t, err, "unknown cursor backend")
}

func TestServeStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, nil, "test")
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
