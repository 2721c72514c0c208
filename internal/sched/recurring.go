package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskwarden/pkg/logx"
)

// Schedule declares a recurring submission. Spec is a standard 5-field
// cron expression or a "@every <duration>" descriptor.
type Schedule struct {
	Name          string
	Spec          string
	TaskType      string
	PayloadKey    string
	ResourceClass string
}

// SubmitFunc matches Scheduler.Submit.
type SubmitFunc func(ctx context.Context, typ, payloadKey, resourceClass string) (string, bool, error)

// Recurring turns configured schedules into periodic idempotent submits.
// Because task identity derives from (type, payload key), a tick that
// fires while the previous instance is still queued or running is a
// clean no-op.
type Recurring struct {
	cron   *cron.Cron
	submit SubmitFunc
	log    logx.Logger
}

func NewRecurring(loc *time.Location, submit SubmitFunc, log logx.Logger) *Recurring {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recurring{
		cron:   cron.New(cron.WithLocation(loc)),
		submit: submit,
		log:    log.With(logx.String("comp", "recurring")),
	}
}

// Apply registers the given schedules. Call before Start; the supervisor
// rebuilds the Recurring wholesale on config reload rather than diffing.
func (r *Recurring) Apply(schedules []Schedule) error {
	for _, s := range schedules {
		s := s
		_, err := r.cron.AddFunc(s.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			id, created, err := r.submit(ctx, s.TaskType, s.PayloadKey, s.ResourceClass)
			if err != nil {
				r.log.Warn("scheduled submit failed",
					logx.String("schedule", s.Name),
					logx.Err(err))
				return
			}
			if created {
				r.log.Info("scheduled task submitted",
					logx.String("schedule", s.Name),
					logx.String("task", id))
			} else {
				r.log.Debug("scheduled task already present",
					logx.String("schedule", s.Name),
					logx.String("task", id))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: invalid spec %q: %w", s.Name, s.Spec, err)
		}
	}
	return nil
}

func (r *Recurring) Start() { r.cron.Start() }

// Stop halts ticking and waits for in-flight submit callbacks.
func (r *Recurring) Stop() {
	<-r.cron.Stop().Done()
}
