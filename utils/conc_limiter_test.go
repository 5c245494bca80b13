package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConcLimiter(t *testing.T) {
	conc := NewConcLimiter(2)
	var running, peak int32
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		conc.Increase()
		go func() {
			defer conc.Decrease()
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	conc.Wait()

	assert.LessOrEqual(t, peak, int32(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&running))
}

func TestConcLimiterHandler(t *testing.T) {
	conc := NewConcLimiter(1)
	h := conc.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// the only slot is taken, a cancelled call is turned away
	conc.Increase()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	conc.Decrease()
	conc.Wait()
}
