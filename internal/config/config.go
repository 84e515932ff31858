package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	UDP         UDPConfig       `mapstructure:"udp"`
	HighLoad    HighLoadConfig  `mapstructure:"high_load"`
	Ingest      IngestConfig    `mapstructure:"ingest"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Status      StatusConfig    `mapstructure:"status"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UDPConfig covers the transport layer shared by both listener modes.
type UDPConfig struct {
	DefaultPort int            `mapstructure:"default_port"`
	Socket      SocketConfig   `mapstructure:"socket"`
	Timeouts    TimeoutConfig  `mapstructure:"timeouts"`
	Listener    ListenerConfig `mapstructure:"listener"`
	Fragment    FragmentConfig `mapstructure:"fragment"`
}

type SocketConfig struct {
	BufferSize   int  `mapstructure:"buffer_size"`
	ReuseAddress bool `mapstructure:"reuse_address"`
}

type TimeoutConfig struct {
	Receive float64 `mapstructure:"receive"`
	Command float64 `mapstructure:"command"`
}

type ListenerConfig struct {
	HeartbeatInterval float64 `mapstructure:"heartbeat_interval"`
}

type FragmentConfig struct {
	BurstIdle    float64 `mapstructure:"burst_idle"`
	ChartTimeout float64 `mapstructure:"chart_timeout"`
}

// HighLoadConfig tunes the shared-socket path for 3000+ endpoints.
type HighLoadConfig struct {
	UDP             HighLoadUDPConfig     `mapstructure:"udp"`
	AsyncProcessing AsyncProcessingConfig `mapstructure:"async_processing"`
	Monitoring      MonitoringConfig      `mapstructure:"monitoring"`
}

type HighLoadUDPConfig struct {
	GlobalSocket GlobalSocketConfig `mapstructure:"global_socket"`
	WorkerPool   WorkerPoolConfig   `mapstructure:"worker_pool"`
	Batch        BatchConfig        `mapstructure:"batch"`
}

type GlobalSocketConfig struct {
	RecvBufferSize int `mapstructure:"recv_buffer_size"`
	SendBufferSize int `mapstructure:"send_buffer_size"`
}

type WorkerPoolConfig struct {
	Workers   int  `mapstructure:"workers"`
	QueueSize int  `mapstructure:"queue_size"`
	Enabled   bool `mapstructure:"enabled"`
}

type BatchConfig struct {
	MaxBatchSize   int  `mapstructure:"max_batch_size"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	Enabled        bool `mapstructure:"enabled"`
}

type AsyncProcessingConfig struct {
	Bulk BulkConfig `mapstructure:"bulk"`
}

type BulkConfig struct {
	InsertBatchSize int `mapstructure:"insert_batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

type MonitoringConfig struct {
	Health HealthConfig `mapstructure:"health"`
}

type HealthConfig struct {
	CheckInterval float64 `mapstructure:"check_interval"`
}

type IngestConfig struct {
	// TryUSDRate approximates TRY-denominated inserts in USD terms.
	TryUSDRate float64 `mapstructure:"try_usd_rate"`
}

type SchedulerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	PollInterval     float64 `mapstructure:"poll_interval"`
	LogPruneInterval float64 `mapstructure:"log_prune_interval"`
	LogDir           string  `mapstructure:"log_dir"`
	LogMaxAgeHours   float64 `mapstructure:"log_max_age_hours"`
}

type StatusConfig struct {
	FlushInterval float64 `mapstructure:"flush_interval"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if config.HighLoad.UDP.WorkerPool.Workers <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", config.HighLoad.UDP.WorkerPool.Workers)
	}
	if config.UDP.Timeouts.Receive <= 0 {
		return nil, fmt.Errorf("udp receive timeout must be positive, got %v", config.UDP.Timeouts.Receive)
	}

	return &config, nil
}

// Seconds converts a fractional-seconds config value into a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server (ops/health endpoint)
	viper.SetDefault("server.port", 8080)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "botfleet")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.conn_max_lifetime", "300s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// UDP transport
	viper.SetDefault("udp.default_port", 2500)
	viper.SetDefault("udp.socket.buffer_size", 65535)
	viper.SetDefault("udp.socket.reuse_address", true)
	viper.SetDefault("udp.timeouts.receive", 1.0)
	viper.SetDefault("udp.timeouts.command", 10.0)
	viper.SetDefault("udp.listener.heartbeat_interval", 60.0)
	viper.SetDefault("udp.fragment.burst_idle", 2.0)
	viper.SetDefault("udp.fragment.chart_timeout", 300.0)

	// High-load path
	viper.SetDefault("high_load.udp.global_socket.recv_buffer_size", 4*1024*1024)
	viper.SetDefault("high_load.udp.global_socket.send_buffer_size", 1024*1024)
	viper.SetDefault("high_load.udp.worker_pool.workers", 16)
	viper.SetDefault("high_load.udp.worker_pool.queue_size", 10000)
	viper.SetDefault("high_load.udp.worker_pool.enabled", true)
	viper.SetDefault("high_load.udp.batch.max_batch_size", 100)
	viper.SetDefault("high_load.udp.batch.max_batch_wait_ms", 50)
	viper.SetDefault("high_load.udp.batch.enabled", true)
	viper.SetDefault("high_load.async_processing.bulk.insert_batch_size", 500)
	viper.SetDefault("high_load.async_processing.bulk.flush_interval_ms", 100)
	viper.SetDefault("high_load.monitoring.health.check_interval", 30.0)

	// Ingest
	viper.SetDefault("ingest.try_usd_rate", 0.03)

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.poll_interval", 1.0)
	viper.SetDefault("scheduler.log_prune_interval", 3600.0)
	viper.SetDefault("scheduler.log_dir", "")
	viper.SetDefault("scheduler.log_max_age_hours", 168.0)

	// Listener status mirror
	viper.SetDefault("status.flush_interval", 30.0)
}
