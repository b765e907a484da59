package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

// Storage and lock backends selectable through registry.storage and cleaner.lock.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Registry  RegistrySettings  `mapstructure:"registry"`
	Cipher    CipherSettings    `mapstructure:"cipher"`
	Tickets   TicketSettings    `mapstructure:"tickets"`
	Cleaner   CleanerSettings   `mapstructure:"cleaner"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name       string `mapstructure:"name"`
	Env        string `mapstructure:"env"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	NodeID     string `mapstructure:"node_id"`
	AdminToken string `mapstructure:"admin_token"`
}

// RegistrySettings selects the storage strategy and bounds registry I/O.
type RegistrySettings struct {
	Storage          string        `mapstructure:"storage"`
	MaxUpdateRetries int           `mapstructure:"max_update_retries"`
	StorageTimeout   time.Duration `mapstructure:"storage_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	TombstoneTTL     time.Duration `mapstructure:"tombstone_ttl"`
}

// CipherSettings carries the base64 master key used to derive ticket keys.
type CipherSettings struct {
	MasterKey string `mapstructure:"master_key"`
}

// TicketSettings configures the expiration policy of each ticket kind.
type TicketSettings struct {
	TGT TicketGrantingSettings `mapstructure:"tgt"`
	ST  ConsumableSettings     `mapstructure:"st"`
	PGT TicketGrantingSettings `mapstructure:"pgt"`
	PT  ConsumableSettings     `mapstructure:"pt"`
}

// TicketGrantingSettings describes a sliding session, optionally extended by remember-me.
type TicketGrantingSettings struct {
	MaxTimeToLive     time.Duration `mapstructure:"max_time_to_live"`
	TimeToIdle        time.Duration `mapstructure:"time_to_idle"`
	RememberMeTTL     time.Duration `mapstructure:"remember_me_ttl"`
	ThrottledInterval time.Duration `mapstructure:"throttled_interval"`
}

// ConsumableSettings describes a ticket spent after a number of uses or a lifetime.
type ConsumableSettings struct {
	NumberOfUses int           `mapstructure:"number_of_uses"`
	TimeToKill   time.Duration `mapstructure:"time_to_kill"`
}

type CleanerSettings struct {
	Enabled       bool          `mapstructure:"enabled"`
	Lock          string        `mapstructure:"lock"`
	ApplicationID string        `mapstructure:"application_id"`
	StartDelay    time.Duration `mapstructure:"start_delay"`
	Interval      time.Duration `mapstructure:"interval"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	RunMigrations     bool          `mapstructure:"run_migrations"`
}

// DSN renders the libpq connection URL.
func (p PostgresSettings) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := u.Query()
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the replication bus
type KafkaSettings struct {
	Enabled             bool     `mapstructure:"enabled"`
	Brokers             []string `mapstructure:"brokers"`
	TopicPrefix         string   `mapstructure:"topic_prefix"`
	ConsumerGroupPrefix string   `mapstructure:"consumer_group_prefix"`
	Async               bool     `mapstructure:"async"`
}

type TelemetrySettings struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("SSO")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.node_id",
		"app.admin_token",
		"registry.storage",
		"registry.max_update_retries",
		"registry.storage_timeout",
		"registry.publish_timeout",
		"registry.tombstone_ttl",
		"cipher.master_key",
		"tickets.tgt.max_time_to_live",
		"tickets.tgt.time_to_idle",
		"tickets.tgt.remember_me_ttl",
		"tickets.tgt.throttled_interval",
		"tickets.st.number_of_uses",
		"tickets.st.time_to_kill",
		"tickets.pgt.max_time_to_live",
		"tickets.pgt.time_to_idle",
		"tickets.pt.number_of_uses",
		"tickets.pt.time_to_kill",
		"cleaner.enabled",
		"cleaner.lock",
		"cleaner.application_id",
		"cleaner.start_delay",
		"cleaner.interval",
		"cleaner.lock_timeout",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"postgres.run_migrations",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"kafka.enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.consumer_group_prefix",
		"kafka.async",
		"telemetry.metrics_enabled",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects backend selections the process cannot wire.
func (c *AppConfig) Validate() error {
	switch c.Registry.Storage {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("registry.storage: unsupported backend %q", c.Registry.Storage)
	}
	switch c.Cleaner.Lock {
	case "", BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("cleaner.lock: unsupported backend %q", c.Cleaner.Lock)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers: at least one broker is required when kafka is enabled")
	}
	return nil
}

// TicketPolicies converts the ticket settings into catalog policies.
func (t TicketSettings) TicketPolicies() domain.TicketPolicies {
	return domain.TicketPolicies{
		TicketGranting: t.TGT.policy(),
		Service:        t.ST.policy(),
		ProxyGranting:  t.PGT.policy(),
		Proxy:          t.PT.policy(),
	}
}

func (s TicketGrantingSettings) policy() domain.PolicySpec {
	session := domain.SlidingSpec(s.MaxTimeToLive, s.TimeToIdle)
	if s.ThrottledInterval > 0 {
		session = domain.CompositeSpec(session, domain.ThrottledSpec(s.TimeToIdle, s.ThrottledInterval))
	}
	if s.RememberMeTTL > 0 {
		return domain.RememberMeSpec(session, domain.HardTimeoutSpec(s.RememberMeTTL))
	}
	return session
}

func (s ConsumableSettings) policy() domain.PolicySpec {
	return domain.MultiUseOrTimeoutSpec(s.NumberOfUses, s.TimeToKill)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sso-ticket-registry")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.node_id", "")
	v.SetDefault("app.admin_token", "")

	v.SetDefault("registry.storage", BackendMemory)
	v.SetDefault("registry.max_update_retries", 5)
	v.SetDefault("registry.storage_timeout", "3s")
	v.SetDefault("registry.publish_timeout", "2s")
	v.SetDefault("registry.tombstone_ttl", "10m")

	v.SetDefault("cipher.master_key", "")

	v.SetDefault("tickets.tgt.max_time_to_live", "8h")
	v.SetDefault("tickets.tgt.time_to_idle", "2h")
	v.SetDefault("tickets.tgt.remember_me_ttl", "0s")
	v.SetDefault("tickets.tgt.throttled_interval", "0s")
	v.SetDefault("tickets.st.number_of_uses", 1)
	v.SetDefault("tickets.st.time_to_kill", "10s")
	v.SetDefault("tickets.pgt.max_time_to_live", "8h")
	v.SetDefault("tickets.pgt.time_to_idle", "2h")
	v.SetDefault("tickets.pt.number_of_uses", 1)
	v.SetDefault("tickets.pt.time_to_kill", "10s")

	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.lock", "")
	v.SetDefault("cleaner.application_id", "sso-ticket-registry-cleaner")
	v.SetDefault("cleaner.start_delay", "20s")
	v.SetDefault("cleaner.interval", "2m")
	v.SetDefault("cleaner.lock_timeout", "5m")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "sso")
	v.SetDefault("postgres.password", "sso_password")
	v.SetDefault("postgres.database", "sso")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.run_migrations", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "sso")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "sso")
	v.SetDefault("kafka.consumer_group_prefix", "sso-ticket-registry")
	v.SetDefault("kafka.async", true)

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "sso-ticket-registry")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "SSO_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
