package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// API is the remote tender marketplace endpoint.
	API APIConfig `json:"api"`

	// Server is the local control-surface HTTP listener.
	Server ServerConfig `json:"server"`

	Storage StorageConfig `json:"storage"`

	// Planning controls the slot allocator (working day window, capacity).
	Planning PlanningConfig `json:"planning"`

	// Scheduler controls the persistent job queue (grace, smoothing windows).
	Scheduler SchedulerConfig `json:"scheduler"`

	Feed FeedConfig `json:"feed"`

	Notify *NotifyConfig `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig points at the marketplace tender API.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type APIConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`

	// Timeout bounds every remote call. Must stay finite: the poller
	// re-enters the job queue instead of blocking on a slow call.
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec caps outgoing requests across all concurrent jobs.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type ServerConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Unlike optional stores elsewhere, storage is mandatory here: the job
// queue must survive restarts, so a broken store fails startup loudly.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PlanningConfig controls auction slot allocation.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Kyiv"
//   - day_start: "11:00", day_end: "16:00"
//   - rounding: "15m", service_time: "9m", min_pause: "3m"
//   - streams: 10 (per-day stream cap used when the config row is absent)
type PlanningConfig struct {
	Timezone string `json:"timezone,omitempty"`

	DayStart string `json:"day_start,omitempty"` // HH:MM
	DayEnd   string `json:"day_end,omitempty"`   // HH:MM

	Rounding    string `json:"rounding,omitempty"`
	ServiceTime string `json:"service_time,omitempty"`
	MinPause    string `json:"min_pause,omitempty"`

	Streams int `json:"streams,omitempty"`

	// Sandbox enables the accelerated "quick" analytic path for tenders
	// whose submissionMethodDetails asks for it.
	Sandbox bool `json:"sandbox,omitempty"`
}

// SchedulerConfig controls job persistence and due-time smoothing.
//
// Defaults:
//   - misfire_grace: "1h"
//   - smoothing_min: "10s", smoothing_resync_min: "60s", smoothing_max: "300s"
type SchedulerConfig struct {
	MisfireGrace string `json:"misfire_grace,omitempty"`

	SmoothingMin       string `json:"smoothing_min,omitempty"`
	SmoothingResyncMin string `json:"smoothing_resync_min,omitempty"`
	SmoothingMax       string `json:"smoothing_max,omitempty"`
}

// FeedConfig controls the marketplace listing sweep.
type FeedConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // Go duration string, default "30s"
	Limit    int    `json:"limit,omitempty"`    // page size, default 100
}

// NotifyConfig controls the optional Telegram operator alert sink.
// If the whole section is omitted, alerts are disabled.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
