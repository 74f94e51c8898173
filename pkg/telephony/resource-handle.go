package telephony

import (
	"io"
	"log/slog"
	"sync"
)

// ResourceHandle owns at most one external resource and guarantees it is
// closed exactly once, no matter how many teardown paths call Release.
type ResourceHandle[T io.Closer] struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	resource T
	held     bool
}

// NewResourceHandle creates an empty handle. name is used in log output.
func NewResourceHandle[T io.Closer](name string, logger *slog.Logger) *ResourceHandle[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceHandle[T]{name: name, logger: logger}
}

// Acquire releases any held resource, then stores the one produced by
// factory. A factory failure is logged as a warning and leaves the handle
// empty; callers treat the dependent feature as unavailable.
func (h *ResourceHandle[T]) Acquire(factory func() (T, error)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.releaseLocked()

	res, err := factory()
	if err != nil {
		h.logger.Warn("resource unavailable", "resource", h.name, "error", err)
		return false
	}
	h.resource = res
	h.held = true
	return true
}

// Release closes the held resource, if any. Safe to call repeatedly and
// concurrently.
func (h *ResourceHandle[T]) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked()
}

// Held reports whether a resource is currently owned.
func (h *ResourceHandle[T]) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// With calls fn with the held resource while the handle is locked. It
// returns false when the handle is empty.
func (h *ResourceHandle[T]) With(fn func(T)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return false
	}
	fn(h.resource)
	return true
}

func (h *ResourceHandle[T]) releaseLocked() {
	if !h.held {
		return
	}
	res := h.resource
	var zero T
	h.resource = zero
	h.held = false

	if err := res.Close(); err != nil {
		h.logger.Warn("resource release failed", "resource", h.name, "error", err)
	}
}
