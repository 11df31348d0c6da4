package notifier

import "time"

// Config controls the order-ready pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int           // default 256
	RatePerSec    float64       // default 3
	RetryMax      int           // extra attempts after the first, default 2, negative for none
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s
	WatchTTL      time.Duration // default 24h
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.WatchTTL <= 0 {
		c.WatchTTL = 24 * time.Hour
	}
	return c
}

// Bus event types.
const (
	EventSent    = "notifier.sent"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the payload of notifier.* events.
type NotificationEvent struct {
	OrderID  int64     `json:"order_id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Stats are counters since New.
type Stats struct {
	Watching int    `json:"watching"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}
