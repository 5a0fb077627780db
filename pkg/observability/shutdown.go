package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager stops the HTTP server, then runs the registered
// functions in reverse registration order
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// Register adds a function to run during shutdown. Nil functions are ignored.
func (sm *ShutdownManager) Register(fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitForSignal blocks until SIGINT or SIGTERM, then shuts down
func (sm *ShutdownManager) WaitForSignal() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	return sm.Shutdown(context.Background())
}

// Shutdown runs the shutdown sequence bounded by the configured timeout
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, sm.timeout)
	defer cancel()

	var errs []error
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	sm.mu.Lock()
	funcs := append([]ShutdownFunc(nil), sm.funcs...)
	sm.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout reached: %w", ctx.Err()))
			break
		}
		if err := funcs[i](ctx); err != nil {
			sm.logger.WithError(err).Errorf("Shutdown function %d failed", i)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
