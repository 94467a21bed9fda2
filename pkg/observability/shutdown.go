package observability

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager handles graceful shutdown of the process
type ShutdownManager struct {
	logger          *Logger
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register adds a named function to call during shutdown. Servers,
// background refresh loops and cache sweeps all register here.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then runs every registered
// shutdown function concurrently under a bounded timeout. A hung component
// cannot block shutdown past the timeout.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	return sm.Shutdown()
}

// Shutdown runs the registered shutdown functions without waiting for a
// signal. Exposed for tests and for fatal-error teardown paths.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	sm.mu.Lock()
	funcs := make([]namedShutdown, len(sm.shutdownFuncs))
	copy(funcs, sm.shutdownFuncs)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(funcs))

	for _, ns := range funcs {
		wg.Add(1)
		go func(ns namedShutdown) {
			defer wg.Done()
			if err := ns.fn(ctx); err != nil {
				sm.logger.WithError(err).Errorf("Shutdown of %s failed", ns.name)
				errChan <- err
			} else {
				sm.logger.Debugf("Shutdown of %s complete", ns.name)
			}
		}(ns)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		sm.logger.Info("Graceful shutdown complete")
	case <-ctx.Done():
		sm.logger.Warn("Shutdown timeout exceeded, exiting anyway")
	}

	close(errChan)
	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}
