package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-async/replies"
)

// Connectivity is implemented by transports that can report their broker connection state
type Connectivity interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn Connectivity
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Connectivity) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed or reconnecting"
	}

	result.Duration = time.Since(start)
	return result
}

// ReplyStoreChecker reports the number of replies waiting to be claimed.
// A backlog above the threshold usually means waiters are timing out
// faster than replies arrive.
type ReplyStoreChecker struct {
	store     *replies.Store
	threshold int
}

// NewReplyStoreChecker creates a checker that degrades when more than
// threshold replies are pending
func NewReplyStoreChecker(store *replies.Store, threshold int) *ReplyStoreChecker {
	return &ReplyStoreChecker{store: store, threshold: threshold}
}

func (c *ReplyStoreChecker) Name() string {
	return "reply_store"
}

func (c *ReplyStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	pending := c.store.Len()
	result.Details["pending_replies"] = pending
	result.Details["threshold"] = c.threshold

	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d unclaimed replies", pending)
	} else {
		result.Status = StatusHealthy
		result.Message = "Reply store is draining"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades and then fails as the goroutine count grows
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
