package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rohanthewiz/logger"
)

const gracePeriod = 10 * time.Second

// Hook is one teardown step, given the remaining grace period.
type Hook func(grace time.Duration) error

type hookRegistry struct {
	hooks []Hook
	lock  sync.Mutex
}

var registry hookRegistry

// RegisterHook adds a teardown step. Hooks run concurrently once a
// shutdown signal arrives, so they must not depend on each other.
func RegisterHook(fn Hook) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	registry.hooks = append(registry.hooks, fn)
}

// InitShutdownService installs the signal handler. The done channel is
// closed after every hook returns or the grace period lapses.
func InitShutdownService(done chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)

		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		setDraining()

		registry.lock.Lock()
		hooks := make([]Hook, len(registry.hooks))
		copy(hooks, registry.hooks)
		registry.lock.Unlock()

		wg := sync.WaitGroup{}
		for _, hook := range hooks {
			wg.Add(1)
			go func(fn Hook) {
				defer wg.Done()
				if err := fn(gracePeriod); err != nil {
					logger.LogErr(err, "shutdown hook failed")
				}
			}(hook)
		}

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("All shutdown hooks completed")
		case <-time.After(gracePeriod):
			logger.Warn("Shutdown hooks timed out", "grace", gracePeriod.String())
		}
	}()
}
