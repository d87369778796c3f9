package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/models"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Load()
	cfg.Env = "test"
	cfg.StoreBackend = backend
	cfg.PebbleDir = t.TempDir()
	cfg.RedisAddr = mr.Addr()
	cfg.QueueName = "app-test"
	cfg.ProcessingDelay = 10 * time.Millisecond
	cfg.WorkerPollInterval = 10 * time.Millisecond
	cfg.DLQS3Bucket = ""
	cfg.TracingEnabled = false
	return cfg
}

func TestNewRejectsEmbeddedBackendsOutsideAllMode(t *testing.T) {
	cases := []struct {
		backend string
		mode    Mode
	}{
		{"memory", ModeAPI},
		{"memory", ModeWorker},
		{"pebble", ModeAPI},
		{"pebble", ModeWorker},
	}
	for _, tc := range cases {
		t.Run(tc.backend+"/"+string(tc.mode), func(t *testing.T) {
			_, err := New(context.Background(), testConfig(t, tc.backend), tc.mode, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cannot be shared")
		})
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), testConfig(t, "memory"), Mode("batch"), nil)
	assert.ErrorContains(t, err, "unknown mode")
}

func TestNewAcceptsPebbleInAllMode(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "pebble"), ModeAll, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestAllModeProcessesSubmissionEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t, "memory"), ModeAll, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	done := make(chan error, 1)
	go func() { done <- a.RunWorker(ctx) }()

	resp, err := http.Post(srv.URL+"/age-groups/", "application/json", bytes.NewBufferString(`{"min_age":18,"max_age":30}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/enrollments/", "application/json", bytes.NewBufferString(`{"name":"Jane","age":25,"cpf":"123"}`))
	require.NoError(t, err)
	var receipt struct {
		EnrollmentID string `json:"enrollment_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/enrollments/" + receipt.EnrollmentID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec models.Enrollment
		if json.NewDecoder(resp.Body).Decode(&rec) != nil {
			return false
		}
		return rec.Status == models.StatusProcessed
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
