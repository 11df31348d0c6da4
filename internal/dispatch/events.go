package dispatch

// Event types published on the bus.
const (
	EventOrderCreated   = "order.created"
	EventOrderAssigned  = "order.assigned"
	EventOrderCompleted = "order.completed"
	// EventOrderPreempted: the bot holding the order was removed; the order is queued again.
	EventOrderPreempted = "order.preempted"
	EventBotAdded       = "bot.added"
	EventBotRemoved     = "bot.removed"
)

// OrderEvent is the payload of order.* events.
type OrderEvent struct {
	Order Order `json:"order"`
	BotID int   `json:"bot_id,omitzero"`

	// Pending and InFlight are queue sizes right after the change.
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// BotEvent is the payload of bot.* events.
type BotEvent struct {
	Bot   Bot    `json:"bot"`
	Actor string `json:"actor,omitempty"`
	// Released is the order handed back to the queue on removal (0 if the bot was idle).
	Released int64 `json:"released,omitzero"`
	Bots     int   `json:"bots"`
}
