package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Campaign  CampaignConfig  `mapstructure:"campaign"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Sender    SenderConfig    `mapstructure:"sender"`
	Provider  ProviderConfig  `mapstructure:"provider"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxUploadSize int           `mapstructure:"max_upload_size"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers              []string      `mapstructure:"brokers"`
	ClientID             string        `mapstructure:"client_id"`
	CampaignTopic        string        `mapstructure:"campaign_topic"`
	EventTopic           string        `mapstructure:"event_topic"`
	DeadLetterTopic      string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID      string        `mapstructure:"consumer_group_id"`
	EventConsumerGroupID string        `mapstructure:"event_consumer_group_id"`
	CommitInterval       time.Duration `mapstructure:"commit_interval"`
	Partitions           int           `mapstructure:"partitions"`
	ReplicationFactor    int           `mapstructure:"replication_factor"`
	MaxEventAttempts     int           `mapstructure:"max_event_attempts"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	LookAhead    time.Duration `mapstructure:"look_ahead"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	WorkerCount  int           `mapstructure:"worker_count"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
}

type CampaignConfig struct {
	DefaultMessageDelay time.Duration `mapstructure:"default_message_delay"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	LeaseKeyPrefix      string        `mapstructure:"lease_key_prefix"`
	ResumeOnStart       bool          `mapstructure:"resume_on_start"`
	MaxParallel         int           `mapstructure:"max_parallel"`
	MaxRunAttempts      int           `mapstructure:"max_run_attempts"`
	RunRetryDelay       time.Duration `mapstructure:"run_retry_delay"`
}

type ThrottleConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type SenderConfig struct {
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ProviderConfig struct {
	Name           string  `mapstructure:"name"`
	BaseURL        string  `mapstructure:"base_url"`
	APIVersion     string  `mapstructure:"api_version"`
	PhoneNumberID  string  `mapstructure:"phone_number_id"`
	AccessToken    string  `mapstructure:"access_token"`
	MockAcceptRate float64 `mapstructure:"mock_accept_rate"`
}

// Load reads configuration from file and environment variables. A .env file in
// the working directory, when present, is applied to the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-followup")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.max_upload_size", 8<<20)
	v.SetDefault("postgres.migrations_dir", "migrations")
	v.SetDefault("kafka.campaign_topic", "campaign-dispatch")
	v.SetDefault("kafka.event_topic", "conversation-events")
	v.SetDefault("kafka.dead_letter_topic", "conversation-events-dlq")
	v.SetDefault("kafka.consumer_group_id", "outbound-engine")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.max_event_attempts", 3)
	v.SetDefault("scheduler.tick_interval", "15s")
	v.SetDefault("scheduler.look_ahead", "1m")
	v.SetDefault("scheduler.max_batch_size", 500)
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.claim_ttl", "5m")
	v.SetDefault("campaign.default_message_delay", "1s")
	v.SetDefault("campaign.lease_ttl", "1m")
	v.SetDefault("campaign.lease_key_prefix", "outbound:campaign")
	v.SetDefault("campaign.resume_on_start", true)
	v.SetDefault("campaign.max_parallel", 4)
	v.SetDefault("campaign.max_run_attempts", 3)
	v.SetDefault("campaign.run_retry_delay", "2s")
	v.SetDefault("throttle.min_interval", "80ms")
	v.SetDefault("sender.retry_base_delay", "500ms")
	v.SetDefault("sender.retry_max_delay", "5s")
	v.SetDefault("sender.request_timeout", "10s")
	v.SetDefault("provider.name", "mock")
	v.SetDefault("provider.base_url", "https://graph.facebook.com")
	v.SetDefault("provider.api_version", "v19.0")
	v.SetDefault("provider.mock_accept_rate", 0.95)
}
