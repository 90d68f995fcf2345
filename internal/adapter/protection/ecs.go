// Package protection manages scale-in protection for the worker's host
// instance so the autoscaler does not reap a machine holding live work.
package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Muxite/webrag/internal/domain"
)

const requestTimeout = 5 * time.Second

// ECSClient talks to the container agent's task-protection endpoint.
type ECSClient struct {
	endpoint   string
	ttlMinutes int
	httpClient *http.Client
}

// NewECSClient builds a client against the agent URI provided to the task at
// launch. ttlMinutes bounds how long a single acquisition lasts; the worker
// re-acquires on each task so the TTL only matters if the worker dies.
func NewECSClient(endpoint string, ttlMinutes int) (*ECSClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("op=protection.new: endpoint required")
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	return &ECSClient{
		endpoint:   endpoint,
		ttlMinutes: ttlMinutes,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

type protectionRequest struct {
	ProtectionEnabled bool `json:"ProtectionEnabled"`
	ExpiresInMinutes  int  `json:"ExpiresInMinutes,omitempty"`
}

// Acquire enables protection for the configured TTL.
func (c *ECSClient) Acquire(ctx context.Context) error {
	return c.setState(ctx, protectionRequest{ProtectionEnabled: true, ExpiresInMinutes: c.ttlMinutes})
}

// Release disables protection, making the instance eligible for scale-down.
func (c *ECSClient) Release(ctx context.Context) error {
	return c.setState(ctx, protectionRequest{ProtectionEnabled: false})
}

func (c *ECSClient) setState(ctx context.Context, reqBody protectionRequest) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("op=protection.set: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint+"/task-protection/v1/state", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=protection.set: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=protection.set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=protection.set: status %d: %s", resp.StatusCode, string(msg))
	}
	slog.Debug("task protection state set", slog.Bool("enabled", reqBody.ProtectionEnabled))
	return nil
}

// NoOp satisfies the protection port when no agent endpoint is configured,
// e.g. local development outside a managed cluster.
type NoOp struct{}

// Acquire is a no-op.
func (NoOp) Acquire(context.Context) error { return nil }

// Release is a no-op.
func (NoOp) Release(context.Context) error { return nil }

var (
	_ domain.TaskProtection = (*ECSClient)(nil)
	_ domain.TaskProtection = NoOp{}
)
