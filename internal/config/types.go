package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected.
type Config struct {
	Dispatch DispatchConfig `json:"dispatch"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Metrics  MetricsConfig  `json:"metrics"`
	Tracing  TracingConfig  `json:"tracing"`
	Notifier NotifierConfig `json:"notifier"`
	Shifts   ShiftsConfig   `json:"shifts"`

	// Storage is optional; omitted means no order history.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// DispatchConfig controls the order dispatcher.
//
// ProcessTime is fixed for the life of the process; a changed value in a
// reloaded config is logged and ignored until restart.
type DispatchConfig struct {
	ProcessTime string `json:"process_time" validate:"omitempty,duration"` // default "10s"
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token" validate:"required_if=Enabled true"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving log lines when logging.telegram is on.
	GroupLog    string `json:"group_log" validate:"omitempty,numeric"`
	PollTimeout string `json:"poll_timeout" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id" validate:"gte=0"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// HTTPConfig controls the REST API server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - Token, when set, is required as a bearer token on mutating routes.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`

	// Intake limiter for POST /orders (0 disables).
	IntakeRatePerSec float64 `json:"intake_rate_per_sec,omitempty" validate:"gte=0"`
	IntakeBurst      int     `json:"intake_burst,omitempty" validate:"gte=0"`

	// Pprof mounts /debug/pprof/ on the same server.
	Pprof bool `json:"pprof,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty" validate:"omitempty,startswith=/"` // default "/metrics"
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name,omitempty"`
	Pretty      bool   `json:"pretty,omitempty"`
}

// StorageConfig controls the order history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/orderbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// NotifierConfig controls "order ready" messages to Telegram chats.
type NotifierConfig struct {
	Enabled    bool    `json:"enabled"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	QueueSize  int     `json:"queue_size,omitempty" validate:"gte=0"`
}

// ShiftsConfig scales the bot pool on a schedule.
//
// Example (YAML):
//
//	shifts:
//	  timezone: Asia/Jakarta
//	  entries:
//	    - { name: breakfast, schedule: "0 7 * * *", bots: 4 }
//	    - { name: night, schedule: "0 22 * * *", bots: 1 }
type ShiftsConfig struct {
	Timezone string       `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Entries  []ShiftEntry `json:"entries,omitempty" validate:"dive"`
}

type ShiftEntry struct {
	Name     string `json:"name" validate:"required,max=64"`
	Schedule string `json:"schedule" validate:"required,schedule"`
	Bots     int    `json:"bots" validate:"gte=0,lte=1000"`
}
