package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TALENTDESK_MAIL_INBOUND_HOST.
const EnvPrefix = "TALENTDESK"

var (
	once    sync.Once
	mu      sync.Mutex
	reloads []func(*Config)
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mail     MailConfig     `mapstructure:"mail"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql, sqlite or memory
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// MailConfig groups the inbound mailbox, outbound SMTP and shared mail settings.
type MailConfig struct {
	From            string        `mapstructure:"from"`
	FromName        string        `mapstructure:"from_name"`
	SystemAddresses []string      `mapstructure:"system_addresses"`
	MessageIDHost   string        `mapstructure:"message_id_host"`
	BodyLimit       int64         `mapstructure:"body_limit"`
	Inbound         InboundConfig `mapstructure:"inbound"`
	SMTP            SMTPConfig    `mapstructure:"smtp"`
}

// InboundConfig describes the polled mailbox.
type InboundConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Type          string        `mapstructure:"type"` // imap, imaps, pop3, pop3s
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Folder        string        `mapstructure:"folder"`
	Peek          bool          `mapstructure:"peek"`
	MarkSeen      bool          `mapstructure:"mark_seen"`
	ArchiveFolder string        `mapstructure:"archive_folder"`
	MaxMessages   int           `mapstructure:"max_messages"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type SMTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	AuthType   string        `mapstructure:"auth_type"` // plain, login or none
	TLSMode    string        `mapstructure:"tls_mode"`  // smtps, starttls or none
	SkipVerify bool          `mapstructure:"skip_verify"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers a default for every recognized key so environment
// overrides apply even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "talentdesk")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:talentdesk.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 5*time.Minute)

	v.SetDefault("mail.from", "support@talentdesk.local")
	v.SetDefault("mail.from_name", "TalentDesk Support")
	v.SetDefault("mail.system_addresses", []string{})
	v.SetDefault("mail.message_id_host", "talentdesk.local")
	v.SetDefault("mail.body_limit", int64(4<<20))

	v.SetDefault("mail.inbound.enabled", false)
	v.SetDefault("mail.inbound.type", "imaps")
	v.SetDefault("mail.inbound.host", "")
	v.SetDefault("mail.inbound.port", 0)
	v.SetDefault("mail.inbound.username", "")
	v.SetDefault("mail.inbound.password", "")
	v.SetDefault("mail.inbound.folder", "INBOX")
	v.SetDefault("mail.inbound.peek", true)
	v.SetDefault("mail.inbound.mark_seen", true)
	v.SetDefault("mail.inbound.archive_folder", "")
	v.SetDefault("mail.inbound.max_messages", 50)
	v.SetDefault("mail.inbound.dial_timeout", 10*time.Second)
	v.SetDefault("mail.inbound.poll_interval", time.Minute)
	v.SetDefault("mail.inbound.poll_timeout", 2*time.Minute)

	v.SetDefault("mail.smtp.host", "localhost")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.user", "")
	v.SetDefault("mail.smtp.password", "")
	v.SetDefault("mail.smtp.auth_type", "plain")
	v.SetDefault("mail.smtp.tls_mode", "starttls")
	v.SetDefault("mail.smtp.skip_verify", false)
	v.SetDefault("mail.smtp.timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// NewViper returns a viper instance with defaults, the optional default.yaml
// and config.yaml files from configPath, and environment overrides applied.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	if configPath != "" {
		v.AddConfigPath(configPath)
		used := ""
		for _, name := range []string{"default", "config"} {
			v.SetConfigName(name)
			if err := v.MergeInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to merge %s config: %w", name, err)
				}
				continue
			}
			used = v.ConfigFileUsed()
		}
		// the last merged file is the one watched for changes
		if used != "" {
			v.SetConfigFile(used)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load validates the configuration under configPath once and starts
// watching the config file. Every accepted change is passed to the
// OnReload hooks.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		var v *viper.Viper
		v, err = NewViper(configPath)
		if err != nil {
			return
		}
		if _, err = Decode(v); err != nil {
			return
		}
		if v.ConfigFileUsed() == "" {
			return
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg, err := Decode(v)
			if err != nil {
				log.Error().Err(err).Str("file", e.Name).Msg("config reload rejected")
				return
			}
			mu.Lock()
			hooks := append([]func(*Config){}, reloads...)
			mu.Unlock()
			for _, fn := range hooks {
				fn(newCfg)
			}
			log.Info().Str("file", e.Name).Msg("configuration reloaded")
		})
		v.WatchConfig()
	})
	return err
}

// OnReload registers fn to run with every accepted configuration reload.
func OnReload(fn func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	reloads = append(reloads, fn)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Mail.Inbound.MaxMessages <= 0 {
		errs = append(errs, errors.New("mail.inbound.max_messages must be positive"))
	}
	if c.Mail.Inbound.PollInterval < time.Second {
		errs = append(errs, errors.New("mail.inbound.poll_interval must be at least 1s"))
	}
	if c.Mail.Inbound.Enabled && c.Mail.Inbound.Host == "" && c.Mail.Inbound.Type != "mbox" {
		errs = append(errs, errors.New("mail.inbound.host is required when polling is enabled"))
	}
	switch strings.ToLower(c.Mail.SMTP.TLSMode) {
	case "", "none", "smtps", "starttls":
	default:
		errs = append(errs, fmt.Errorf("mail.smtp.tls_mode %q is not supported", c.Mail.SMTP.TLSMode))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	// an expired lock lets a second replica poll the same mailbox
	if c.Redis.Enabled && (c.Mail.Inbound.PollTimeout <= 0 || c.Redis.LockTTL <= c.Mail.Inbound.PollTimeout) {
		errs = append(errs, fmt.Errorf("redis.lock_ttl (%s) must exceed a positive mail.inbound.poll_timeout (%s)",
			c.Redis.LockTTL, c.Mail.Inbound.PollTimeout))
	}
	return errors.Join(errs...)
}

// GetServerAddr returns the HTTP listen address.
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction checks if running in production
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}
