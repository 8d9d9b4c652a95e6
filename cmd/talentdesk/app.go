package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/api"
	"github.com/talentdesk-io/talentdesk/internal/config"
	"github.com/talentdesk-io/talentdesk/internal/database"
	"github.com/talentdesk-io/talentdesk/internal/email/address"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/connector"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/postmaster"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/threading"
	"github.com/talentdesk-io/talentdesk/internal/email/outbound"
	"github.com/talentdesk-io/talentdesk/internal/lock"
	"github.com/talentdesk-io/talentdesk/internal/repository"
	"github.com/talentdesk-io/talentdesk/internal/runner"
	"github.com/talentdesk-io/talentdesk/internal/runner/tasks"
	"github.com/talentdesk-io/talentdesk/internal/tickets"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *database.QueryBuilder
	redis     *redis.Client
	store     repository.TicketStore
	processor *postmaster.TicketProcessor
	service   *tickets.Service
	locker    lock.Locker
	health    map[string]api.HealthCheck

	mu          sync.Mutex
	resultHooks []func(postmaster.Result)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, health: map[string]api.HealthCheck{}}

	if cfg.Database.Driver == "memory" {
		a.store = repository.NewMemoryTicketStore()
		logger.Warn().Msg("using in-memory ticket store, data is lost on exit")
	} else {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				a.Close()
				return nil, err
			}
		}
		a.store = repository.NewSQLTicketStore(db)
		a.health["database"] = func(ctx context.Context) error { return db.DB().PingContext(ctx) }
	}

	a.locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.locker = lock.NewRedisLocker(a.redis, cfg.Redis.LockTTL, lock.WithRedisLogger(logger))
		rc := a.redis
		a.health["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	system := address.NewSystemSet(append([]string{cfg.Mail.From}, cfg.Mail.SystemAddresses...)...)
	resolver := threading.NewResolver(a.store, system, threading.WithLogger(logger))
	a.processor = postmaster.NewTicketProcessor(a.store, resolver,
		postmaster.WithTicketProcessorLogger(logger),
		postmaster.WithTicketProcessorBodyLimit(cfg.Mail.BodyLimit),
		postmaster.WithTicketProcessorResultHook(a.recordResult),
	)

	sender := outbound.NewSMTPSender(cfg.Mail.SMTP, outbound.WithSMTPLogger(logger))
	dispatcher, err := outbound.NewDispatcher(a.store, sender, cfg.Mail.From, cfg.Mail.FromName,
		outbound.WithDispatcherLogger(logger),
		outbound.WithMessageIDHost(cfg.Mail.MessageIDHost),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mail.from: %w", err)
	}
	a.service = tickets.NewService(a.store, dispatcher, tickets.WithLogger(logger))
	return a, nil
}

func (a *app) recordResult(r postmaster.Result) {
	tasks.RecordResult(r)
	a.mu.Lock()
	hooks := a.resultHooks
	a.mu.Unlock()
	for _, fn := range hooks {
		fn(r)
	}
}

func (a *app) onResult(fn func(postmaster.Result)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resultHooks = append(a.resultHooks, fn)
}

// inboundAccount maps the configured mailbox to a connector account.
func inboundAccount(in config.InboundConfig) connector.Account {
	return connector.Account{
		ID:            in.Username + "@" + in.Host,
		Type:          in.Type,
		Host:          in.Host,
		Port:          in.Port,
		Username:      in.Username,
		Password:      []byte(in.Password),
		Folder:        in.Folder,
		Peek:          in.Peek,
		MarkSeen:      in.MarkSeen,
		ArchiveFolder: in.ArchiveFolder,
		MaxMessages:   in.MaxMessages,
	}
}

// pollTask builds the scheduled poll of the configured mailbox.
func (a *app) pollTask() *tasks.MailPollTask {
	in := a.cfg.Mail.Inbound
	return tasks.NewMailPollTask(
		inboundAccount(in),
		connector.DefaultFactory(a.logger, in.DialTimeout),
		a.processor,
		tasks.WithPollLogger(a.logger),
		tasks.WithPollLocker(a.locker),
		tasks.WithPollSchedule(in.PollInterval, in.PollTimeout),
	)
}

func (a *app) runner() (*runner.Runner, error) {
	reg := runner.NewTaskRegistry()
	if a.cfg.Mail.Inbound.Enabled {
		if err := reg.Register(a.pollTask()); err != nil {
			return nil, err
		}
	}
	return runner.NewRunner(reg, a.logger), nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("database close failed")
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
