package config

import (
	"fmt"
	"strings"
)

// Validate performs the semantic checks the strict decoder cannot:
// class caps, duration strings, schedule targets and admin exposure.
func (c *Config) Validate() error {
	if len(c.Governor.Classes) == 0 {
		return fmt.Errorf("governor.classes: at least one resource class is required")
	}
	for name, limit := range c.Governor.Classes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("governor.classes: empty class name")
		}
		if limit < 1 {
			return fmt.Errorf("governor.classes.%s: cap must be >= 1, got %d", name, limit)
		}
	}

	for path, raw := range map[string]string{
		"watchdog.grace_period":       c.Watchdog.GracePeriod,
		"watchdog.probe_interval":     c.Watchdog.ProbeInterval,
		"watchdog.activity_threshold": c.Watchdog.ActivityThreshold,
		"watchdog.hard_timeout":       c.Watchdog.HardTimeout,
		"watchdog.term_grace":         c.Watchdog.TermGrace,
		"backoff.base_delay":          c.Backoff.BaseDelay,
		"backoff.max_delay":           c.Backoff.MaxDelay,
		"retry.base_delay":            c.Retry.BaseDelay,
		"retry.max_delay":             c.Retry.MaxDelay,
		"scheduler.pass_interval":     c.Sched.PassInterval,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"admin.read_timeout":          c.Admin.ReadTimeout,
		"admin.write_timeout":         c.Admin.WriteTimeout,
		"admin.idle_timeout":          c.Admin.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	// 1/3 is the largest jitter for which a doubling ladder stays
	// non-decreasing: 2*(1-j) >= (1+j) only while j <= 1/3.
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1.0/3.0 {
		return fmt.Errorf("backoff.jitter: must be in [0, 1/3], got %v", c.Backoff.Jitter)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1.0/3.0 {
		return fmt.Errorf("retry.jitter: must be in [0, 1/3], got %v", c.Retry.Jitter)
	}
	if c.Backoff.QuarantineThreshold < 0 {
		return fmt.Errorf("backoff.quarantine_threshold: must be >= 0")
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Spec) == "" {
			return fmt.Errorf("schedules[%d] (%s): spec is required", i, s.Name)
		}
		if strings.TrimSpace(s.TaskType) == "" || strings.TrimSpace(s.PayloadKey) == "" {
			return fmt.Errorf("schedules[%d] (%s): task_type and payload_key are required", i, s.Name)
		}
		if s.ResourceClass != "" && s.ResourceClass != "none" {
			if _, ok := c.Governor.Classes[s.ResourceClass]; !ok {
				return fmt.Errorf("schedules[%d] (%s): unknown resource class %q", i, s.Name, s.ResourceClass)
			}
		}
	}

	for typ, cmd := range c.Tasks {
		if strings.TrimSpace(cmd.Path) == "" {
			return fmt.Errorf("tasks.%s: path is required", typ)
		}
	}

	if c.Admin.Enabled && !isLoopback(c.Admin.Addr) &&
		strings.TrimSpace(c.Admin.Token) == "" && !c.Admin.AllowInsecure {
		return fmt.Errorf("admin: non-loopback addr %q requires a token or allow_insecure", c.Admin.Addr)
	}
	return nil
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true // default bind is loopback
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
