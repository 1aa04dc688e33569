// Package config provides configuration management using viper, with
// optional .env loading for local development.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	ClientState ClientStateConfig `mapstructure:"client_state"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
	Host     string `mapstructure:"host"`
}

// PoolConfig holds Connection Pool Manager admission thresholds.
type PoolConfig struct {
	GlobalMaxConnections int     `mapstructure:"global_max_connections"`
	PerKeyMaxConnections int     `mapstructure:"per_key_max_connections"`
	PerIPMaxConnections  int     `mapstructure:"per_ip_max_connections"`
	WarningThreshold     float64 `mapstructure:"warning_threshold"` // 0.80
	CriticalThreshold    float64 `mapstructure:"critical_threshold"` // 0.90
}

// FetcherConfig holds Stream Data Fetcher settings.
type FetcherConfig struct {
	Gateways              []GatewayConfig `mapstructure:"gateways"`
	ConnectTimeout        time.Duration   `mapstructure:"connect_timeout"`
	ReconnectBaseDelay    time.Duration   `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration   `mapstructure:"reconnect_max_delay"`
	Tier1Interval         time.Duration   `mapstructure:"tier1_interval"`
	Tier2Interval         time.Duration   `mapstructure:"tier2_interval"`
	Tier3Interval         time.Duration   `mapstructure:"tier3_interval"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold"` // 0.50
	CircuitBreakerRecoveryRate float64    `mapstructure:"circuit_breaker_recovery_rate"` // 0.90
	CircuitBreakerRecoveryDelay time.Duration `mapstructure:"circuit_breaker_recovery_delay"` // 60s
	ConcurrencyAdjustPct  float64         `mapstructure:"concurrency_adjust_pct"` // 0.20
	MinConcurrency        int             `mapstructure:"min_concurrency"`
	MaxConcurrency        int             `mapstructure:"max_concurrency"`
	PerformanceWindowSize int             `mapstructure:"performance_window_size"`
	MapCleanupInterval    time.Duration   `mapstructure:"map_cleanup_interval"`        // 5m
	ZombieConnectionInactivity time.Duration `mapstructure:"zombie_connection_inactivity"` // 30m
}

// GatewayConfig holds individual upstream gateway settings.
type GatewayConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Priority int    `mapstructure:"priority"`
	Region   string `mapstructure:"region"`
}

// ClientStateConfig holds Client State Manager settings.
type ClientStateConfig struct {
	SubscriberBufferSize  int           `mapstructure:"subscriber_buffer_size"`
	SlowConsumerThreshold int           `mapstructure:"slow_consumer_threshold"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	HealthWarningDropRate float64       `mapstructure:"health_warning_drop_rate"`
	HealthCriticalDropRate float64      `mapstructure:"health_critical_drop_rate"`
}

// PipelineConfig holds Streaming Pipeline settings.
type PipelineConfig struct {
	BatchWindow   time.Duration `mapstructure:"batch_window"`   // 50ms
	BatchMaxItems int           `mapstructure:"batch_max_items"` // 200
}

// ReplayConfig holds Replay Cache settings.
type ReplayConfig struct {
	HotCapacityPerSymbol int           `mapstructure:"hot_capacity_per_symbol"` // <=1000
	HotTTL               time.Duration `mapstructure:"hot_ttl"`                 // 5s
	WarmTTL              time.Duration `mapstructure:"warm_ttl"`                // 30s
	RedisStreamMaxLength int64         `mapstructure:"redis_stream_max_length"`
	RedisStreamTrimStrategy string     `mapstructure:"redis_stream_trim_strategy"` // MAXLEN | MINID
	MemoryAlertThresholdMB float64     `mapstructure:"memory_alert_threshold_mb"`  // 60
}

// RecoveryConfig holds Recovery Worker Pool settings.
type RecoveryConfig struct {
	WorkerPoolSize        int           `mapstructure:"worker_pool_size"`        // 4
	MaxConcurrentRecoveries int         `mapstructure:"max_concurrent_recoveries"` // 10
	BatchSize             int           `mapstructure:"batch_size"`              // 100
	MaxQPS                float64       `mapstructure:"max_qps"`                 // 1000
	TimeoutMs             time.Duration `mapstructure:"timeout_ms"`              // 60000ms
	MaxRecoveryWindow     time.Duration `mapstructure:"max_recovery_window"`     // 30s
	ResumeTokenSecret     string        `mapstructure:"resume_token_secret"`
}

// DatabaseConfig holds MySQL settings for the fire-and-forget persistence sink.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"` // persistence sink rollup flush cadence
}

// DSN builds a go-sql-driver/mysql data source name from the configured
// fields. Empty when Host is unset, which persistence.Open treats as "no
// persistence sink configured".
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	return d.User + ":" + d.Password + "@tcp(" + d.Host + ":" + portString(d.Port) + ")/" + d.Database + "?parseTime=true&loc=UTC"
}

func portString(p int) string {
	if p == 0 {
		p = 3306
	}
	digits := [6]byte{}
	i := len(digits)
	for p > 0 {
		i--
		digits[i] = byte('0' + p%10)
		p /= 10
	}
	return string(digits[i:])
}

// RedisConfig holds Redis settings for the warm replay tier.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NATSConfig holds settings for the cross-instance broadcast bus.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file, .env, and environment variables, in
// that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/streamgw")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("STREAMGW")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("pool.global_max_connections", 5000)
	v.SetDefault("pool.per_key_max_connections", 200)
	v.SetDefault("pool.per_ip_max_connections", 50)
	v.SetDefault("pool.warning_threshold", 0.80)
	v.SetDefault("pool.critical_threshold", 0.90)

	v.SetDefault("fetcher.connect_timeout", "10s")
	v.SetDefault("fetcher.reconnect_base_delay", "100ms")
	v.SetDefault("fetcher.reconnect_max_delay", "30s")
	v.SetDefault("fetcher.tier1_interval", "5s")
	v.SetDefault("fetcher.tier2_interval", "30s")
	v.SetDefault("fetcher.tier3_interval", "2m")
	v.SetDefault("fetcher.circuit_breaker_threshold", 0.50)
	v.SetDefault("fetcher.circuit_breaker_recovery_rate", 0.90)
	v.SetDefault("fetcher.circuit_breaker_recovery_delay", "60s")
	v.SetDefault("fetcher.concurrency_adjust_pct", 0.20)
	v.SetDefault("fetcher.min_concurrency", 2)
	v.SetDefault("fetcher.max_concurrency", 200)
	v.SetDefault("fetcher.performance_window_size", 50)
	v.SetDefault("fetcher.map_cleanup_interval", "5m")
	v.SetDefault("fetcher.zombie_connection_inactivity", "30m")

	v.SetDefault("client_state.subscriber_buffer_size", 500)
	v.SetDefault("client_state.slow_consumer_threshold", 1000)
	v.SetDefault("client_state.idle_timeout", "60s")
	v.SetDefault("client_state.health_warning_drop_rate", 0.01)
	v.SetDefault("client_state.health_critical_drop_rate", 0.05)

	v.SetDefault("pipeline.batch_window", "50ms")
	v.SetDefault("pipeline.batch_max_items", 200)

	v.SetDefault("replay.hot_capacity_per_symbol", 1000)
	v.SetDefault("replay.hot_ttl", "5s")
	v.SetDefault("replay.warm_ttl", "30s")
	v.SetDefault("replay.redis_stream_max_length", 10000)
	v.SetDefault("replay.redis_stream_trim_strategy", "MAXLEN")
	v.SetDefault("replay.memory_alert_threshold_mb", 60.0)

	v.SetDefault("recovery.worker_pool_size", 4)
	v.SetDefault("recovery.max_concurrent_recoveries", 10)
	v.SetDefault("recovery.batch_size", 100)
	v.SetDefault("recovery.max_qps", 1000.0)
	v.SetDefault("recovery.timeout_ms", "60s")
	v.SetDefault("recovery.max_recovery_window", "30s")
	v.SetDefault("recovery.resume_token_secret", "dev-secret-change-me")

	v.SetDefault("database.host", "") // empty disables the persistence sink
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.flush_interval", "1m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
