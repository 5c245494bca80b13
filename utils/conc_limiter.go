package utils

import (
	"context"
	"net/http"
	"sync"
)

// ConcLimiter bounds the number of concurrent tasks. Wait blocks until
// every admitted task is done.
type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	var wg sync.WaitGroup
	return &ConcLimiter{&wg, make(chan struct{}, cLevel)}
}

// Increase admits a task, blocking while the limit is reached.
func (c *ConcLimiter) Increase() {
	c.Add(1)
	c.Pool <- struct{}{}
}

// IncreaseContext is Increase giving up when ctx is done.
func (c *ConcLimiter) IncreaseContext(ctx context.Context) error {
	c.Add(1)
	select {
	case c.Pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		c.Done()
		return ctx.Err()
	}
}

func (c *ConcLimiter) Decrease() {
	select {
	case <-c.Pool:
		c.Done()
	default:
	}
}

// Handler queues calls to next beyond the limit. Calls whose client
// gave up while queued get 503.
func (c *ConcLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.IncreaseContext(r.Context()); err != nil {
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		defer c.Decrease()
		next.ServeHTTP(w, r)
	})
}
