package database

import (
	"context"
	"time"
)

// HealthStatus reports database reachability and connection pool
// pressure. Logged at startup and available to operators on demand.
type HealthStatus struct {
	Status       string
	LatencyMs    int64
	OpenConns    int
	InUse        int
	Idle         int
	WaitCount    int64
	MaxOpenConns int
}

// Health pings the database and snapshots pool statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:    "unreachable",
			LatencyMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()
	return &HealthStatus{
		Status:       "ok",
		LatencyMs:    time.Since(start).Milliseconds(),
		OpenConns:    stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		MaxOpenConns: stats.MaxOpenConnections,
	}, nil
}
