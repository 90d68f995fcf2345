package protection_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/adapter/protection"
)

func TestECSClient_AcquireRelease(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/task-protection/v1/state", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c, err := protection.NewECSClient(srv.URL, 45)
	require.NoError(t, err)

	require.NoError(t, c.Acquire(context.Background()))
	require.NoError(t, c.Release(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, true, bodies[0]["ProtectionEnabled"])
	assert.Equal(t, float64(45), bodies[0]["ExpiresInMinutes"])
	assert.Equal(t, false, bodies[1]["ProtectionEnabled"])
}

func TestECSClient_NonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c, err := protection.NewECSClient(srv.URL, 0)
	require.NoError(t, err)
	assert.Error(t, c.Acquire(context.Background()))
}

func TestNewECSClient_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	_, err := protection.NewECSClient("", 10)
	assert.Error(t, err)
}
