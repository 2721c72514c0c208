package config

// Config is the full supervisor configuration.
//
// The file may be JSON or YAML; YAML is coerced to JSON before decoding
// so both formats share the strict decoder. Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Governor GovernorConfig `json:"governor"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`
	Backoff  BackoffConfig  `json:"backoff,omitempty"`
	Retry    RetryConfig    `json:"retry,omitempty"`
	Sched    SchedConfig    `json:"scheduler,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty"`
	Guard    GuardConfig    `json:"guard,omitempty"`

	// Schedules submit tasks on a recurring basis without an external
	// caller. Spec is either a cron expression ("*/15 * * * *") or
	// "@every <duration>".
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	// Tasks declares executors launched as child processes, keyed by
	// task type. Types registered in code take precedence.
	Tasks map[string]TaskCommandConfig `json:"tasks,omitempty"`
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

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskwarden.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// GovernorConfig declares the named resource classes and their caps.
// A cap must be a positive integer; classes absent from the map do not
// exist, and tasks referencing them are rejected at submit time.
type GovernorConfig struct {
	Classes map[string]int `json:"classes"`
}

type WatchdogConfig struct {
	GracePeriod       string `json:"grace_period,omitempty"`
	ProbeInterval     string `json:"probe_interval,omitempty"`
	ActivityThreshold string `json:"activity_threshold,omitempty"`
	MaxStrikes        int    `json:"max_strikes,omitempty"`
	HardTimeout       string `json:"hard_timeout,omitempty"`
	TermGrace         string `json:"term_grace,omitempty"`
}

type BackoffConfig struct {
	BaseDelay           string  `json:"base_delay,omitempty"`
	MaxDelay            string  `json:"max_delay,omitempty"`
	Jitter              float64 `json:"jitter,omitempty"`
	QuarantineThreshold int     `json:"quarantine_threshold,omitempty"`
}

// RetryConfig sets the in-attempt retry defaults for external calls.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

type SchedConfig struct {
	// PassInterval is how often the scheduler scans for ready tasks.
	PassInterval string `json:"pass_interval,omitempty"`
	// Timezone for cron schedules (default: local).
	Timezone string `json:"timezone,omitempty"`
}

// AdminConfig controls the local operations HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7911").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7911"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RateBurst     int    `json:"rate_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type GuardConfig struct {
	// LockPath is the instance lock file (default: ./taskwarden.pid).
	LockPath string `json:"lock_path,omitempty"`
}

type ScheduleConfig struct {
	Name          string `json:"name"`
	Spec          string `json:"spec"` // cron expression or "@every 10m"
	TaskType      string `json:"task_type"`
	PayloadKey    string `json:"payload_key"`
	ResourceClass string `json:"resource_class,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// TaskCommandConfig declares a subprocess-backed executor.
type TaskCommandConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"` // "{payload}" is substituted
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}
