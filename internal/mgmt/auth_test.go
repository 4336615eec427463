package mgmt

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_NoKey_Open(t *testing.T) {
	app := testApp(t, "").app

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Valid(t *testing.T) {
	app := testApp(t, "test-secret-key").app

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer test-secret-key")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	app := testApp(t, "test-secret-key").app

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "missing_auth", problem.Type)
	assert.Equal(t, "/api/v1/projects", problem.Instance)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	app := testApp(t, "test-secret-key").app

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "invalid_api_key", problem.Type)
}

func TestAuth_APIKey_InvalidScheme(t *testing.T) {
	app := testApp(t, "test-secret-key").app

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Basic dGVzdDp0ZXN0")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_OpsEndpoints_NoAuth(t *testing.T) {
	app := testApp(t, "test-secret-key").app

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req, _ := http.NewRequest("GET", path, nil)
		resp, err := app.Test(req, -1)
		require.NoError(t, err, "path: %s", path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

func TestAuth_ReadOnlyKey(t *testing.T) {
	e := testAppWith(t, ServerConfig{AuthConfig: AuthConfig{APIKey: "operator-key", ReadOnlyKey: "viewer-key"}})

	req, _ := http.NewRequest("GET", "/api/v1/projects/"+testProject+"/state", nil)
	req.Header.Set("Authorization", "Bearer viewer-key")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("POST", "/api/v1/projects/"+testProject+"/commands/stop", nil)
	req.Header.Set("Authorization", "Bearer viewer-key")
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "read_only_key", problem.Type)

	req, _ = http.NewRequest("POST", "/api/v1/projects/"+testProject+"/commands/stop", nil)
	req.Header.Set("Authorization", "Bearer operator-key")
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	e := testAppWith(t, ServerConfig{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, e.do(t, "GET", "/api/v1/projects", "").StatusCode)
	}
	resp := e.do(t, "GET", "/api/v1/projects", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Health and metrics endpoints are never limited.
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/healthz", "").StatusCode)
}
