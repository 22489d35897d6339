package schedule

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// Job names
const (
	JobRenewals  = "renewals"
	JobReminders = "renewal_reminders"
	JobReconcile = "payment_reconcile"
)

// ReminderWindow is the slice of period ends covered by one reminder run. It
// matches the daily reminder spec so each period end is reminded once.
const ReminderWindow = 24 * time.Hour

// Lifecycle is the billing work driven by the scheduler
type Lifecycle interface {
	RunDue(ctx context.Context, now time.Time) (*service.RunReport, error)
	SendRenewalReminders(ctx context.Context, now time.Time, window time.Duration) (int, error)
	ReconcilePayments(ctx context.Context, now time.Time) (int, error)
}

// BillingJobs returns the renewal, reminder and reconciliation jobs
func BillingJobs(cfg config.SchedulerConfig, lifecycle Lifecycle, log logger.Logger) []Job {
	if log == nil {
		log = logger.NewNop()
	}
	return []Job{
		{
			Name:    JobRenewals,
			Spec:    cfg.RenewalSpec,
			LockTTL: 30 * time.Minute,
			Run: func(ctx context.Context, now time.Time) error {
				report, err := lifecycle.RunDue(ctx, now)
				if report != nil && report.Processed > 0 {
					log.WithContext(ctx).Info("Renewal pass finished",
						"processed", report.Processed,
						"renewed", report.Renewed,
						"retried", report.Retried,
						"canceled", report.Canceled,
						"failed", report.Failed,
					)
				}
				return err
			},
		},
		{
			Name: JobReminders,
			Spec: cfg.ReminderSpec,
			Run: func(ctx context.Context, now time.Time) error {
				sent, err := lifecycle.SendRenewalReminders(ctx, now, ReminderWindow)
				if sent > 0 {
					log.WithContext(ctx).Info("Renewal reminders queued", "count", sent)
				}
				return err
			},
		},
		{
			Name: JobReconcile,
			Spec: cfg.ReconcileSpec,
			Run: func(ctx context.Context, now time.Time) error {
				resolved, err := lifecycle.ReconcilePayments(ctx, now)
				if resolved > 0 {
					log.WithContext(ctx).Info("Pending payments reconciled", "count", resolved)
				}
				return err
			},
		},
	}
}

// NewBillingScheduler builds a scheduler with the billing jobs registered
func NewBillingScheduler(cfg config.SchedulerConfig, lifecycle Lifecycle, opts Options) (*Scheduler, error) {
	s, err := NewScheduler(cfg.Timezone, opts)
	if err != nil {
		return nil, err
	}
	for _, job := range BillingJobs(cfg, lifecycle, opts.Logger) {
		if err := s.Register(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}
