package bus

import "sync"

var defaultHandler = sync.OnceValue(func() *Handler {
	return New(Config{})
})

// Default returns the process-wide Handler, backed by an in-process worker
// spawned on first use.
func Default() *Handler { return defaultHandler() }
