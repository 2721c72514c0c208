package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/admin"
	"taskwarden/internal/backoff"
	"taskwarden/internal/config"
	"taskwarden/internal/sched"
	"taskwarden/internal/storage"
	"taskwarden/internal/watchdog"
	logx "taskwarden/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	wc := cfg.Watchdog
	grace, err := config.ParseDurationField("watchdog.grace_period", wc.GracePeriod)
	if err != nil {
		return watchdog.Config{}, err
	}
	probe, err := config.ParseDurationField("watchdog.probe_interval", wc.ProbeInterval)
	if err != nil {
		return watchdog.Config{}, err
	}
	threshold, err := config.ParseDurationField("watchdog.activity_threshold", wc.ActivityThreshold)
	if err != nil {
		return watchdog.Config{}, err
	}
	hard, err := config.ParseDurationField("watchdog.hard_timeout", wc.HardTimeout)
	if err != nil {
		return watchdog.Config{}, err
	}
	term, err := config.ParseDurationField("watchdog.term_grace", wc.TermGrace)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{
		GracePeriod:       grace,
		ProbeInterval:     probe,
		ActivityThreshold: threshold,
		MaxStrikes:        wc.MaxStrikes,
		HardTimeout:       hard,
		TermGrace:         term,
	}, nil
}

func mapBackoffConfig(cfg *config.Config) (backoff.Config, error) {
	bc := cfg.Backoff
	base, err := config.ParseDurationField("backoff.base_delay", bc.BaseDelay)
	if err != nil {
		return backoff.Config{}, err
	}
	max, err := config.ParseDurationField("backoff.max_delay", bc.MaxDelay)
	if err != nil {
		return backoff.Config{}, err
	}
	return backoff.Config{
		BaseDelay:           base,
		MaxDelay:            max,
		Jitter:              bc.Jitter,
		QuarantineThreshold: bc.QuarantineThreshold,
	}, nil
}

func mapSchedConfig(cfg *config.Config) (sched.Config, error) {
	pass, err := config.ParseDurationField("scheduler.pass_interval", cfg.Sched.PassInterval)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{PassInterval: pass}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		RatePerSec:    ac.RatePerSec,
		RateBurst:     ac.RateBurst,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapSchedules(cfg *config.Config) []sched.Schedule {
	out := make([]sched.Schedule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Disabled {
			continue
		}
		out = append(out, sched.Schedule{
			Name:          s.Name,
			Spec:          s.Spec,
			TaskType:      s.TaskType,
			PayloadKey:    s.PayloadKey,
			ResourceClass: s.ResourceClass,
		})
	}
	return out
}

func mapTimezone(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Sched.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
