// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxlog/writer"
)

type fakeReporter struct {
	state writer.State
}

var _ StateReporter = (*fakeReporter)(nil)

func (f *fakeReporter) State() writer.State { return f.state }

func newTestServer(state writer.State) *Server {
	return New(Config{Address: ":0", ShutdownTimeout: time.Second}, &fakeReporter{state: state}, "test-1", nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(writer.StateRunning)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-1", resp.Instance)
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	s := newTestServer(writer.StateRunning)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		state      writer.State
		wantStatus int
		wantBody   string
	}{
		{"running", writer.StateRunning, http.StatusOK, "ready"},
		{"initializing", writer.StateInitializing, http.StatusServiceUnavailable, "not_ready"},
		{"stopping", writer.StateStopping, http.StatusServiceUnavailable, "not_ready"},
		{"stopped", writer.StateStopped, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.state)

			rec := httptest.NewRecorder()
			s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			require.Equal(t, tt.wantStatus, rec.Code)
			var resp ReadyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)
			assert.Equal(t, tt.state.String(), resp.State)
		})
	}
}

func TestListen_ServesAndShutsDown(t *testing.T) {
	s := newTestServer(writer.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	// Wait for the listener to come up.
	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
