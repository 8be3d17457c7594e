package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregatesChecks(t *testing.T) {
	s := NewService("1.0.0")
	s.RegisterCheck("database", CheckFunc(func(ctx context.Context) error { return nil }), true)
	s.RegisterCheck("redis", CheckFunc(func(ctx context.Context) error { return nil }), true)
	s.RegisterDetail("circuit_breakers", func() interface{} {
		return map[string]string{"originate": "closed"}
	})

	resp := s.Health(context.Background())

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Len(t, resp.Checks, 2)
	require.Contains(t, resp.Details, "circuit_breakers")
}

func TestHealthReportsFailure(t *testing.T) {
	s := NewService("1.0.0")
	s.RegisterCheck("database", CheckFunc(func(ctx context.Context) error { return nil }), true)
	s.RegisterCheck("redis", CheckFunc(func(ctx context.Context) error {
		return fmt.Errorf("connection refused")
	}), true)

	resp := s.Health(context.Background())

	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "failed", resp.Checks["redis"].Status)
	assert.Contains(t, resp.Checks["redis"].Error, "connection refused")
	assert.Equal(t, "ok", resp.Checks["database"].Status)
}

func TestReadinessIgnoresOptionalChecks(t *testing.T) {
	s := NewService("1.0.0")
	s.RegisterCheck("database", CheckFunc(func(ctx context.Context) error { return nil }), true)
	s.RegisterCheck("redis", CheckFunc(func(ctx context.Context) error { return nil }), true)
	// The event stream is self-healing and must not gate readiness
	s.RegisterCheck("event_stream", CheckFunc(func(ctx context.Context) error {
		return fmt.Errorf("reconnecting")
	}), false)

	ready, resp := s.Ready(context.Background())

	assert.True(t, ready)
	assert.NotContains(t, resp.Checks, "event_stream")

	// The full health view still surfaces it
	full := s.Health(context.Background())
	assert.Equal(t, "failed", full.Status)
}

func TestReadinessFailsOnRequiredCheck(t *testing.T) {
	s := NewService("1.0.0")
	s.RegisterCheck("database", CheckFunc(func(ctx context.Context) error {
		return fmt.Errorf("down")
	}), true)

	ready, _ := s.Ready(context.Background())
	assert.False(t, ready)
}
