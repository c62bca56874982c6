package config

// Config is the full leaguebot worker configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// YAML and JSON are both accepted; unknown fields are rejected so typos
// surface at startup instead of silently defaulting.
type Config struct {
	// Instance overrides the generated holder id. Leave empty in normal
	// deployments; every replica must end up with a distinct id.
	Instance string `json:"instance,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	League   LeagueConfig   `json:"league"`
	Trigger  TriggerConfig  `json:"trigger"`
	Lock     LockConfig     `json:"lock"`
	Executor ExecutorConfig `json:"executor,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Sim      SimConfig      `json:"sim,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LeagueConfig describes the competition itself.
type LeagueConfig struct {
	Teams []TeamConfig `json:"teams"`

	// Rounds is how many complete round-robins the regular season spans.
	Rounds int `json:"rounds"`

	// Qualifiers is how many teams enter the playoffs (2 or 4).
	Qualifiers int `json:"qualifiers"`

	// BestOf is the playoff series length (odd, >= 1).
	BestOf int `json:"best_of"`
}

type TeamConfig struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// TriggerConfig controls the cron trigger firing ticks.
type TriggerConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule accepts cron specs ("0 * * * *", "@hourly"), Go durations
	// ("30m"), and HH:MM intervals ("01:30").
	Schedule string `json:"schedule"`

	Timezone string `json:"timezone,omitempty"`

	// Timeout bounds one firing end to end. Keep it below lock.staleness.
	Timeout string `json:"timeout,omitempty"`
}

// LockConfig controls the distributed tick lock.
type LockConfig struct {
	Key string `json:"key,omitempty"`

	// Staleness is the age at which another instance may reclaim the lock.
	// It must be comfortably larger than the expected tick duration.
	Staleness string `json:"staleness,omitempty"`
}

type ExecutorConfig struct {
	// Stagger delays each entry launch relative to the previous launch.
	// "0s" launches the whole tick at once.
	Stagger string `json:"stagger,omitempty"`
}

type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./leaguebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SimConfig struct {
	// Seed fixes the built-in simulator's randomness; 0 means time-seeded.
	Seed int64 `json:"seed,omitempty"`
}
