// Package shutdown coordinates graceful process teardown. Components
// register hooks at startup; when SIGINT or SIGTERM arrives every hook
// runs concurrently with a shared grace period, then the done channel
// closes so main can exit.
package shutdown

import "sync"

var (
	mu       sync.RWMutex
	draining bool
)

// Draining reports whether a shutdown signal has been received. Handlers
// check this to refuse new work while hooks run.
func Draining() bool {
	mu.RLock()
	defer mu.RUnlock()
	return draining
}

func setDraining() {
	mu.Lock()
	draining = true
	mu.Unlock()
}
