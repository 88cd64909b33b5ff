package challenge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
)

func newTestSolver(t *testing.T, handler http.HandlerFunc) *HTTPSolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSolver(config.SolverConfig{
		Endpoint: srv.URL,
		APIKey:   "key-123",
		Timeout:  2 * time.Second,
	}, zap.NewNop())
}

func TestHTTPSolverCreateTask(t *testing.T) {
	t.Run("submits a v2 task and returns the task id", func(t *testing.T) {
		var got createTaskRequest
		solver := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/createTask", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(createTaskResponse{TaskID: 42})
		})

		id, err := solver.CreateTask(context.Background(), schemas.ChallengeSpec{
			Type:    schemas.ChallengeRecaptchaV2,
			SiteKey: "sk-abc",
			PageURL: "https://boards.greenhouse.io/acme/jobs/1",
		})

		require.NoError(t, err)
		assert.Equal(t, "42", id)
		assert.Equal(t, "key-123", got.ClientKey)
		assert.Equal(t, "RecaptchaV2TaskProxyless", got.Task.Type)
		assert.Equal(t, "sk-abc", got.Task.WebsiteKey)
		assert.Empty(t, got.Task.PageAction)
	})

	t.Run("carries the page action for v3", func(t *testing.T) {
		var got createTaskRequest
		solver := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(createTaskResponse{TaskID: 7})
		})

		_, err := solver.CreateTask(context.Background(), schemas.ChallengeSpec{
			Type:    schemas.ChallengeRecaptchaV3,
			SiteKey: "sk-v3",
			PageURL: "https://jobs.example.com/apply",
			Action:  "submit_application",
		})

		require.NoError(t, err)
		assert.Equal(t, "RecaptchaV3TaskProxyless", got.Task.Type)
		assert.Equal(t, "submit_application", got.Task.PageAction)
	})

	t.Run("surfaces a service rejection", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(createTaskResponse{
				ErrorID: 1, ErrorDescription: "ERROR_ZERO_BALANCE",
			})
		})

		_, err := solver.CreateTask(context.Background(), schemas.ChallengeSpec{
			Type: schemas.ChallengeHCaptcha,
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ERROR_ZERO_BALANCE")
	})
}

func TestHTTPSolverTaskResult(t *testing.T) {
	t.Run("reports not ready without an error", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/getTaskResult", r.URL.Path)
			json.NewEncoder(w).Encode(taskResultResponse{Status: "processing"})
		})

		token, ready, err := solver.TaskResult(context.Background(), "42")

		require.NoError(t, err)
		assert.False(t, ready)
		assert.Empty(t, token)
	})

	t.Run("returns the recaptcha token once ready", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, _ *http.Request) {
			resp := taskResultResponse{Status: "ready"}
			resp.Solution.GRecaptchaResponse = "tok-xyz"
			json.NewEncoder(w).Encode(resp)
		})

		token, ready, err := solver.TaskResult(context.Background(), "42")

		require.NoError(t, err)
		assert.True(t, ready)
		assert.Equal(t, "tok-xyz", token)
	})

	t.Run("falls back to the generic token field", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, _ *http.Request) {
			resp := taskResultResponse{Status: "ready"}
			resp.Solution.Token = "ts-token"
			json.NewEncoder(w).Encode(resp)
		})

		token, ready, err := solver.TaskResult(context.Background(), "42")

		require.NoError(t, err)
		assert.True(t, ready)
		assert.Equal(t, "ts-token", token)
	})

	t.Run("rejects a non-numeric task id", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, _ *http.Request) {
			t.Fatal("no request expected")
		})
		_, _, err := solver.TaskResult(context.Background(), "not-a-number")
		require.Error(t, err)
	})

	t.Run("errors on a non-200 status", func(t *testing.T) {
		solver := newTestSolver(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, _, err := solver.TaskResult(context.Background(), "42")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}
