package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdown runs registered hooks in reverse registration order
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	done    bool
	logger  *slog.Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a named hook. Hooks registered later run earlier.
func (g *GracefulShutdown) Register(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes the hooks once. Hooks still running when the timeout
// expires are abandoned and reported as an error.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return nil
	}
	g.done = true
	hooks := g.hooks
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "components", len(hooks))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		result := make(chan error, 1)
		go func() { result <- hook.fn(shutdownCtx) }()

		select {
		case err := <-result:
			if err != nil {
				g.logger.Error("shutdown hook failed", "hook", hook.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			}
		case <-shutdownCtx.Done():
			g.logger.Warn("graceful shutdown timed out", "hook", hook.name)
			return errors.Join(append(errs, fmt.Errorf("%s: shutdown timeout", hook.name))...)
		}
	}

	g.logger.Info("graceful shutdown complete")
	return errors.Join(errs...)
}
