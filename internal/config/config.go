package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/lalithlochan/cadence/internal/schedule"
)

type Config struct {
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	HTTP     HTTPConfig     `env:",prefix=HTTP_"`
	DB       DBConfig       `env:",prefix=DB_"`
	Redis    RedisConfig    `env:",prefix=REDIS_"`
	AWS      AWSConfig      `env:",prefix=AWS_"`
	Channel  ChannelConfig  `env:",prefix=CHANNEL_"`
	Schedule ScheduleConfig `env:",prefix=SCHEDULE_"`
	Worker   WorkerConfig   `env:",prefix=WORKER_"`
	Launch   LaunchConfig   `env:",prefix=LAUNCH_"`
	Webhook  WebhookConfig  `env:",prefix=WEBHOOK_"`
}

type HTTPConfig struct {
	Port            int           `env:"PORT,default=8080"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	RateLimit       int           `env:"RATE_LIMIT,default=60"` // requests per window per workspace
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
}

type DBConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME,default=cadence"`
	SSLMode  string `env:"SSLMODE,default=disable"`
	MaxConns int32  `env:"MAX_CONNS,default=25"`
}

type RedisConfig struct {
	Host      string `env:"HOST,default=localhost"`
	Port      int    `env:"PORT,default=6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB,default=0"`
	PoolSize  int    `env:"POOL_SIZE,default=10"`
	Namespace string `env:"NAMESPACE,default=cadence"`
}

type AWSConfig struct {
	Region         string `env:"REGION,default=us-east-1"`
	ReplyQueueURL  string `env:"REPLY_QUEUE_URL"`  // empty disables the reply retry queue
	EventsTopicARN string `env:"EVENTS_TOPIC_ARN"` // empty disables domain events
	SESFromEmail   string `env:"SES_FROM_EMAIL"`   // empty disables reply emails
	Endpoint       string `env:"ENDPOINT"`         // localstack
}

// ChannelConfig points at the messaging provider. An empty BaseURL selects the
// log-only client used in development.
type ChannelConfig struct {
	BaseURL           string        `env:"BASE_URL"`
	APIKey            string        `env:"API_KEY"`
	Timeout           time.Duration `env:"TIMEOUT,default=15s"`
	RequestsPerSecond float64       `env:"RPS,default=5"`
	Burst             int           `env:"BURST,default=5"`
	LookupConcurrency int           `env:"LOOKUP_CONCURRENCY,default=5"`
	BreakerFailures   int           `env:"BREAKER_FAILURES,default=5"`
	BreakerRecovery   time.Duration `env:"BREAKER_RECOVERY,default=30s"`
}

// ScheduleConfig holds the system-wide schedule policy used when a campaign
// does not override a field.
type ScheduleConfig struct {
	Timezone       string `env:"TIMEZONE,default=America/Los_Angeles"`
	StartHour      int    `env:"START_HOUR,default=5"`
	EndHour        int    `env:"END_HOUR,default=17"`
	SkipWeekends   bool   `env:"SKIP_WEEKENDS,default=true"`
	SkipHolidays   bool   `env:"SKIP_HOLIDAYS,default=true"`
	HolidayCountry string `env:"HOLIDAY_COUNTRY,default=INTL"`
	HolidaysFile   string `env:"HOLIDAYS_FILE"`
}

type WorkerConfig struct {
	Enabled               bool          `env:"ENABLED,default=true"`
	PollInterval          time.Duration `env:"POLL_INTERVAL,default=1m"`
	BatchSize             int           `env:"BATCH_SIZE,default=50"`
	MaxAttempts           int           `env:"MAX_ATTEMPTS,default=1"`
	SendingTimeout        time.Duration `env:"SENDING_TIMEOUT,default=15m"`
	PreconditionRecheck   time.Duration `env:"PRECONDITION_RECHECK,default=24h"`
	MaxPreconditionChecks int           `env:"MAX_PRECONDITION_CHECKS,default=14"`
}

type LaunchConfig struct {
	Budget          time.Duration `env:"BUDGET,default=10s"`
	InsertBatchSize int           `env:"INSERT_BATCH_SIZE,default=500"`
	SampleSize      int           `env:"SAMPLE_SIZE,default=10"`
	LockTTL         time.Duration `env:"LOCK_TTL,default=30s"`
	IdempotencyTTL  time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
}

type WebhookConfig struct {
	Secret  string        `env:"SECRET"` // empty disables signature checks
	MaxSkew time.Duration `env:"MAX_SKEW,default=5m"`
	LockTTL time.Duration `env:"LOCK_TTL,default=30s"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through the given lookuper.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	s := c.Schedule
	if s.StartHour < 0 || s.EndHour > 24 || s.StartHour >= s.EndHour {
		return fmt.Errorf("invalid schedule hours %d-%d", s.StartHour, s.EndHour)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid SCHEDULE_TIMEZONE %q: %w", s.Timezone, err)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Launch.InsertBatchSize < 1 {
		return fmt.Errorf("LAUNCH_INSERT_BATCH_SIZE must be at least 1")
	}
	if c.Channel.LookupConcurrency < 1 {
		return fmt.Errorf("CHANNEL_LOOKUP_CONCURRENCY must be at least 1")
	}
	return nil
}

// ScheduleDefaults builds the system-wide schedule policy, reading the holiday
// calendar from SCHEDULE_HOLIDAYS_FILE when set.
func (c *Config) ScheduleDefaults() (schedule.Defaults, error) {
	s := c.Schedule
	cal := schedule.DefaultCalendar()
	if s.HolidaysFile != "" {
		var err error
		if cal, err = schedule.LoadCalendar(s.HolidaysFile); err != nil {
			return schedule.Defaults{}, err
		}
	}
	return schedule.Defaults{
		Timezone:       s.Timezone,
		StartHour:      s.StartHour,
		EndHour:        s.EndHour,
		SkipWeekends:   s.SkipWeekends,
		SkipHolidays:   s.SkipHolidays,
		HolidayCountry: s.HolidayCountry,
		Calendar:       cal,
	}, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
