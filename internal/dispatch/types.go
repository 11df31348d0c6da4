package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Class is the intake class of an order.
type Class string

const (
	ClassNormal Class = "NORMAL"
	ClassVIP    Class = "VIP"
)

// ParseClass accepts "vip" / "normal" in any case.
func ParseClass(s string) (Class, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ClassVIP):
		return ClassVIP, nil
	case string(ClassNormal):
		return ClassNormal, nil
	default:
		return "", fmt.Errorf("unknown order class %q", s)
	}
}

// Order is a unit of work. CompletedAt stays zero until the order is done.
type Order struct {
	ID          int64     `json:"id"`
	Class       Class     `json:"class"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

func (o Order) Completed() bool { return !o.CompletedAt.IsZero() }

// Turnaround is the time from intake to completion (0 while pending).
func (o Order) Turnaround() time.Duration {
	if !o.Completed() {
		return 0
	}
	return o.CompletedAt.Sub(o.CreatedAt)
}

type BotState string

const (
	BotIdle BotState = "IDLE"
	BotBusy BotState = "BUSY"
)

// Bot is a read-only view of a worker.
type Bot struct {
	ID      int       `json:"id"`
	State   BotState  `json:"state"`
	OrderID int64     `json:"order_id,omitzero"`
	Since   time.Time `json:"since,omitzero"`
}

// PendingOrder is a queued order. BotID is set while the order is in flight.
type PendingOrder struct {
	Order
	BotID int `json:"bot_id,omitzero"`
}

func (p PendingOrder) InFlight() bool { return p.BotID != 0 }

type Stats struct {
	Enqueued    int64         `json:"enqueued"`
	Completed   int           `json:"completed"`
	Preempted   int64         `json:"preempted"`
	ProcessTime time.Duration `json:"process_time"`
}

// Snapshot is a point-in-time copy of the dispatcher state.
//
// Pending keeps queue order (VIP block first, then NORMAL by arrival) and
// includes orders currently held by a bot. Bots are sorted by id.
type Snapshot struct {
	Running   bool           `json:"running"`
	Pending   []PendingOrder `json:"pending"`
	Completed []Order        `json:"completed"`
	Bots      []Bot          `json:"bots"`
	Stats     Stats          `json:"stats"`
}

// IdleBots counts bots without an order.
func (s Snapshot) IdleBots() int {
	n := 0
	for _, b := range s.Bots {
		if b.State == BotIdle {
			n++
		}
	}
	return n
}

// Unassigned returns the pending orders no bot is holding.
func (s Snapshot) Unassigned() []PendingOrder {
	out := make([]PendingOrder, 0, len(s.Pending))
	for _, p := range s.Pending {
		if !p.InFlight() {
			out = append(out, p)
		}
	}
	return out
}

type actorKey struct{}

// WithActor tags ctx with the caller identity recorded on orders and bot events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}
