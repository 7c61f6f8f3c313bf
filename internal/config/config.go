package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@pulserelay.local"`

	// ----------------------------
	// SMS gateway
	// ----------------------------
	SMSGatewayURL     string        `envconfig:"SMS_GATEWAY_URL" default:""`
	SMSGatewayKey     string        `envconfig:"SMS_GATEWAY_KEY" default:""`
	SMSSenderID       string        `envconfig:"SMS_SENDER_ID" default:"PulseRelay"`
	SMSMessageType    string        `envconfig:"SMS_MESSAGE_TYPE" default:"Transactional"`
	SMSGatewayTimeout time.Duration `envconfig:"SMS_GATEWAY_TIMEOUT" default:"10s"`

	// ----------------------------
	// Provider limits
	// ----------------------------
	EmailRateLimit      float64       `envconfig:"EMAIL_RATE_LIMIT" default:"10"`
	EmailRateBurst      int           `envconfig:"EMAIL_RATE_BURST" default:"10"`
	SMSRateLimit        float64       `envconfig:"SMS_RATE_LIMIT" default:"5"`
	SMSRateBurst        int           `envconfig:"SMS_RATE_BURST" default:"5"`
	BreakerFailures     uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`
	BreakerTimeout      time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	BreakerHalfOpenReqs uint32        `envconfig:"BREAKER_HALF_OPEN_REQUESTS" default:"1"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount           int           `envconfig:"WORKER_COUNT" default:"5"`
	EscalationWorkerCount int           `envconfig:"ESCALATION_WORKER_COUNT" default:"2"`
	BatchSize             int64         `envconfig:"BATCH_SIZE" default:"10"`
	WorkerIdle            time.Duration `envconfig:"WORKER_IDLE" default:"100ms"`

	// ----------------------------
	// Retry
	// ----------------------------
	EscalationAttempts  int           `envconfig:"ESCALATION_ATTEMPTS" default:"2"`
	EscalationBaseDelay time.Duration `envconfig:"ESCALATION_BASE_DELAY" default:"2s"`
	EscalationMaxDelay  time.Duration `envconfig:"ESCALATION_MAX_DELAY" default:"10s"`
	EscalationFactor    float64       `envconfig:"ESCALATION_FACTOR" default:"2"`
	EscalationJitter    bool          `envconfig:"ESCALATION_JITTER" default:"true"`
	StoreRetryAttempts  int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"3"`

	// ----------------------------
	// Store
	// ----------------------------
	StoreDriver       string        `envconfig:"STORE_DRIVER" default:"postgres"`
	EntryExpiry       time.Duration `envconfig:"ENTRY_EXPIRY" default:"168h"`
	TerminalRetention time.Duration `envconfig:"TERMINAL_RETENTION" default:"0"`
	ChangeRetention   time.Duration `envconfig:"CHANGE_RETENTION" default:"24h"`
	DatabaseURL       string        `envconfig:"DATABASE_URL" default:""`
	MigrateOnStart    bool          `envconfig:"MIGRATE_ON_START" default:"true"`

	// ----------------------------
	// Change feed (Redis streams)
	// ----------------------------
	RedisAddr         string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	ChangeStream      string        `envconfig:"CHANGE_STREAM" default:"pulserelay:changes"`
	DLQStream         string        `envconfig:"DLQ_STREAM" default:"pulserelay:dlq"`
	DispatchGroup     string        `envconfig:"DISPATCH_GROUP" default:"dispatcher"`
	EscalationGroup   string        `envconfig:"ESCALATION_GROUP" default:"escalation"`
	StreamBlock       time.Duration `envconfig:"STREAM_BLOCK" default:"2s"`
	StreamReclaimIdle time.Duration `envconfig:"STREAM_RECLAIM_IDLE" default:"1m"`
	StreamMaxLen      int64         `envconfig:"STREAM_MAXLEN" default:"0"`

	// ----------------------------
	// Background loops
	// ----------------------------
	RelayInterval     time.Duration `envconfig:"RELAY_INTERVAL" default:"200ms"`
	RelayBatchSize    int           `envconfig:"RELAY_BATCH_SIZE" default:"100"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5s"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort      string `envconfig:"API_PORT" default:"8080"`
	BulkMaxRows  int    `envconfig:"BULK_MAX_ROWS" default:"1000"`
	TemplatesDir string `envconfig:"TEMPLATES_DIR" default:"templates"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}

	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if c.EscalationWorkerCount < 1 {
		errs = append(errs, errors.New("ESCALATION_WORKER_COUNT must be at least 1"))
	}
	if c.EscalationAttempts < 1 {
		errs = append(errs, errors.New("ESCALATION_ATTEMPTS must be at least 1"))
	}
	if c.StoreRetryAttempts < 1 {
		errs = append(errs, errors.New("STORE_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.EscalationFactor < 1 {
		errs = append(errs, errors.New("ESCALATION_FACTOR must be at least 1"))
	}
	if c.EscalationMaxDelay < c.EscalationBaseDelay {
		errs = append(errs, errors.New("ESCALATION_MAX_DELAY must not be below ESCALATION_BASE_DELAY"))
	}
	if c.EntryExpiry <= 0 {
		errs = append(errs, errors.New("ENTRY_EXPIRY must be positive"))
	}
	if c.TerminalRetention < 0 || c.ChangeRetention < 0 {
		errs = append(errs, errors.New("TERMINAL_RETENTION and CHANGE_RETENTION must not be negative"))
	}
	if c.ChangeStream == c.DLQStream {
		errs = append(errs, errors.New("CHANGE_STREAM and DLQ_STREAM must differ"))
	}
	if c.SMSMessageType != "Transactional" && c.SMSMessageType != "Promotional" {
		errs = append(errs, fmt.Errorf("SMS_MESSAGE_TYPE must be Transactional or Promotional, got %q", c.SMSMessageType))
	}
	if c.DispatchGroup == c.EscalationGroup {
		errs = append(errs, errors.New("DISPATCH_GROUP and ESCALATION_GROUP must differ"))
	}

	return errors.Join(errs...)
}
