package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdown_RunsHooksLIFO(t *testing.T) {
	g := NewGracefulShutdown(time.Second, nil)
	var order []string
	for _, name := range []string{"metrics", "mesh", "worker"} {
		name := name
		g.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, []string{"worker", "mesh", "metrics"}, order)

	// Second call is a no-op.
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestGracefulShutdown_CollectsErrors(t *testing.T) {
	g := NewGracefulShutdown(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	g.Register("first", func(ctx context.Context) error { ran = true; return nil })
	g.Register("broken", func(ctx context.Context) error { return boom })

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	g := NewGracefulShutdown(20*time.Millisecond, nil)
	ran := false
	g.Register("skipped", func(ctx context.Context) error { ran = true; return nil })
	g.Register("stuck", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.False(t, ran)
}
