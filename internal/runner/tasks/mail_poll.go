// Package tasks holds the scheduled jobs of the runner.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/inbound/connector"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/postmaster"
	"github.com/talentdesk-io/talentdesk/internal/lock"
	"github.com/talentdesk-io/talentdesk/internal/metrics"
	"github.com/talentdesk-io/talentdesk/internal/runner"
)

// ErrPollInProgress is returned by Run when another run holds the mailbox lock.
var ErrPollInProgress = fmt.Errorf("mail poll already running: %w", runner.ErrSkipped)

// MailPollTask polls one mailbox and hands its unseen mail to a handler.
type MailPollTask struct {
	account  connector.Account
	factory  connector.Factory
	handler  connector.Handler
	locker   lock.Locker
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// MailPollOption customizes MailPollTask.
type MailPollOption func(*MailPollTask)

// WithPollLogger overrides the logger.
func WithPollLogger(logger zerolog.Logger) MailPollOption {
	return func(t *MailPollTask) {
		t.logger = logger
	}
}

// WithPollLocker replaces the in-process lock, e.g. with a Redis lock shared
// by every replica.
func WithPollLocker(l lock.Locker) MailPollOption {
	return func(t *MailPollTask) {
		if l != nil {
			t.locker = l
		}
	}
}

// WithPollSchedule sets the poll interval and the per-run timeout.
func WithPollSchedule(interval, timeout time.Duration) MailPollOption {
	return func(t *MailPollTask) {
		if interval > 0 {
			t.interval = interval
		}
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// NewMailPollTask creates the poll task for account.
func NewMailPollTask(account connector.Account, factory connector.Factory, handler connector.Handler, opts ...MailPollOption) *MailPollTask {
	t := &MailPollTask{
		account:  account,
		factory:  factory,
		handler:  handler,
		locker:   lock.NewLocalLocker(),
		interval: time.Minute,
		timeout:  2 * time.Minute,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *MailPollTask) Name() string {
	return "mail-poll:" + t.accountLabel()
}

// Schedule returns the cron schedule
func (t *MailPollTask) Schedule() string {
	return runner.EverySchedule(t.interval)
}

// Timeout returns the task timeout
func (t *MailPollTask) Timeout() time.Duration {
	return t.timeout
}

func (t *MailPollTask) accountLabel() string {
	if t.account.ID != "" {
		return t.account.ID
	}
	return t.account.Username
}

// Run performs one poll. A run that finds the lock held is skipped and
// returns ErrPollInProgress without touching the mailbox.
func (t *MailPollTask) Run(ctx context.Context) error {
	label := t.accountLabel()
	release, ok, err := t.locker.TryLock(ctx, "mail-poll:"+label)
	if err != nil {
		metrics.PollRuns.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("poll lock: %w", err)
	}
	if !ok {
		metrics.LockContention.WithLabelValues(label).Inc()
		metrics.PollRuns.WithLabelValues(label, "skipped").Inc()
		t.logger.Info().Str("account", label).Msg("previous poll still running, skipping")
		return ErrPollInProgress
	}
	defer release()

	fetcher, err := t.factory.FetcherFor(t.account)
	if err != nil {
		metrics.PollRuns.WithLabelValues(label, "error").Inc()
		return err
	}

	start := time.Now()
	err = fetcher.Fetch(ctx, t.account, &stageGauge{Handler: t.handler, account: label})
	metrics.PollDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollRuns.WithLabelValues(label, "error").Inc()
		t.logger.Error().Err(err).Str("account", label).Str("connector", fetcher.Name()).Msg("mail poll failed")
		return fmt.Errorf("mail poll %s: %w", label, err)
	}
	metrics.PollRuns.WithLabelValues(label, "ok").Inc()
	t.logger.Debug().Str("account", label).Dur("duration", time.Since(start)).Msg("mail poll finished")
	return nil
}

// RecordResult counts a postmaster result. It is meant as the processor's
// result hook.
func RecordResult(r postmaster.Result) {
	metrics.MessagesProcessed.WithLabelValues(string(r.Action)).Inc()
}

// stageGauge exports poll stages and forwards them to the wrapped handler.
type stageGauge struct {
	connector.Handler
	account string
}

func (g *stageGauge) ObserveStage(stage connector.Stage) {
	metrics.PollStage.WithLabelValues(g.account).Set(float64(stage))
	if obs, ok := g.Handler.(connector.StageObserver); ok {
		obs.ObserveStage(stage)
	}
}

var (
	_ runner.Task             = (*MailPollTask)(nil)
	_ connector.StageObserver = (*stageGauge)(nil)
)
