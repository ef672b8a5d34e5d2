package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agriscope/gleaner/internal/store"
)

func TestNewManager(t *testing.T) {
	m := NewManager("v1.2.3")
	assert.NotNil(t, m)
	assert.Equal(t, "v1.2.3", m.version)
	assert.Empty(t, m.checkers)
}

func TestManagerHealthNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestManagerHealthWithCheckers(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	// Non-verbose: liveness only, no component detail.
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["healthy"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManagerHealthUnhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManagerHealthUptime(t *testing.T) {
	m := NewManager("v1.0.0")
	m.started = time.Now().Add(-3 * time.Second)

	resp := m.Health(context.Background(), false)
	assert.GreaterOrEqual(t, resp.Uptime, int64(3))
}

func TestManagerReadyNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestManagerReadyDegradedStillReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestManagerReadyUnhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "broker", status: StatusUnhealthy})
	m.RegisterChecker(&mockChecker{name: "store", status: StatusHealthy})

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManagerServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "test", status: StatusHealthy})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	req = httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	w = httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	err = json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Len(t, resp.Checks, 1)
}

func TestManagerServeHealthEncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := &brokenWriter{header: make(http.Header)}

	// Must not panic when the response writer fails.
	m.ServeHealth(w, req)
}

func TestManagerServeReady(t *testing.T) {
	tests := []struct {
		name           string
		checker        Checker
		expectedStatus int
		expectedReady  bool
	}{
		{
			name:           "healthy",
			checker:        &mockChecker{name: "test", status: StatusHealthy},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "degraded",
			checker:        &mockChecker{name: "test", status: StatusDegraded},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "unhealthy",
			checker:        &mockChecker{name: "test", status: StatusUnhealthy},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			m.ServeReady(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ReadinessResponse
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedReady, resp.Ready)
		})
	}
}

func TestBrokerChecker(t *testing.T) {
	connected := false
	c := NewBrokerChecker(func() bool { return connected })
	assert.Equal(t, "broker", c.Name())

	result := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)

	connected = true
	result = c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestBrokerCheckerNilProbe(t *testing.T) {
	c := NewBrokerChecker(nil)

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "in-process")
}

func TestStoreChecker(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	c := NewStoreChecker(s)
	assert.Equal(t, "store", c.Name())

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestWorkspaceChecker(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name           string
		setup          func() string
		expectedStatus Status
		expectedError  string
	}{
		{
			name:           "writable directory",
			setup:          func() string { return tempDir },
			expectedStatus: StatusHealthy,
		},
		{
			name: "missing directory",
			setup: func() string {
				return filepath.Join(tempDir, "nonexistent")
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "does not exist",
		},
		{
			name: "path is a file",
			setup: func() string {
				path := filepath.Join(tempDir, "file.txt")
				require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
				return path
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "not a directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWorkspaceChecker(tt.setup())
			assert.Equal(t, "workspace", c.Name())

			result := c.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			if tt.expectedError != "" {
				assert.Contains(t, result.Error, tt.expectedError)
			}
		})
	}
}

func TestToolChecker(t *testing.T) {
	tempDir := t.TempDir()
	bin := filepath.Join(tempDir, "fake-gdalwarp")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))

	c := NewToolChecker("tool:gdalwarp", bin)
	assert.Equal(t, "tool:gdalwarp", c.Name())

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestToolCheckerMissing(t *testing.T) {
	c := NewToolChecker("tool:odm", "definitely-not-a-real-binary-xyz")

	result := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "definitely-not-a-real-binary-xyz", result.Message)
}

func TestToolCheckerUnconfigured(t *testing.T) {
	c := NewToolChecker("tool:convert", "")

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "not configured")
}

// mockChecker returns a fixed result.
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: m.message,
		Error:   m.err,
	}
}

// brokenWriter always fails to write.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}

func (w *brokenWriter) WriteHeader(statusCode int) {
}
