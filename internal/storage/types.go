package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OrderRecord is one completed order.
type OrderRecord struct {
	OrderID     int64     `json:"order_id"`
	Class       string    `json:"class"`
	Source      string    `json:"source,omitempty"`
	BotID       int       `json:"bot_id"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	Instance    string    `json:"instance,omitempty"`
}

// Turnaround is the time from creation to completion.
func (r OrderRecord) Turnaround() time.Duration { return r.CompletedAt.Sub(r.CreatedAt) }

// AuditEntry records a pool change or another operator action.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	BotID    int       `json:"bot_id,omitempty"`
	OrderID  int64     `json:"order_id,omitempty"`
	Bots     int       `json:"bots"`
	Detail   string    `json:"detail,omitempty"`
	Instance string    `json:"instance,omitempty"`
}

// MaxRecent caps RecentOrders/RecentAudit results.
const MaxRecent = 1000

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	return min(n, MaxRecent)
}
