package config

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type"`
	ServiceName        string            `mapstructure:"service_name"`
	Port               string            `mapstructure:"port"`
	Version            string            `mapstructure:"version"`
	CrawlerSettings    *CrawlerConfig    `mapstructure:"crawler"`
	ArchiveSettings    *ArchiveConfig    `mapstructure:"archive"`
	CacheSettings      *CacheConfig      `mapstructure:"cache"`
	DbSettings         *DatabaseConfig   `mapstructure:"database"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka"`
	S3Settings         *S3Config         `mapstructure:"s3"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry"`
	HttpClientSettings *HttpClientConfig `mapstructure:"http_client"`
}

type CrawlerConfig struct {
	CrawlMechanism      int           `mapstructure:"crawl_mechanism"`
	MaxPages            int           `mapstructure:"max_pages"`
	IncludeAssets       bool          `mapstructure:"include_assets"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout"`
	AssetTimeout        time.Duration `mapstructure:"asset_timeout"`
	AssetWorkers        int           `mapstructure:"asset_workers"`
	MaxBodySize         int           `mapstructure:"max_body_size"` // bytes, 0 - unlimited
	UserAgent           string        `mapstructure:"user_agent"`
	ChromePath          string        `mapstructure:"chrome_path"`
	CommonCrawlFallback bool          `mapstructure:"common_crawl_fallback"`
	RequestTimeout      int           `mapstructure:"request_timeout"`
	Retries             int           `mapstructure:"retries"`
	LastCrawlIndexes    int           `mapstructure:"last_crawl_indexes"`
}

type ArchiveConfig struct {
	Beautify    bool `mapstructure:"beautify"`
	IgnoreEmpty bool `mapstructure:"ignore_empty"`
	UploadToS3  bool `mapstructure:"upload_to_s3"`
}

type CacheConfig struct {
	Type        string        `mapstructure:"type"` // none, local or memcached
	Servers     []string      `mapstructure:"servers"`
	TtlForAsset time.Duration `mapstructure:"ttl_for_asset"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           []string      `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type S3Config struct {
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

type HttpClientConfig struct {
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

func MustLoad() *Config {
	cfg, err := Load(path.Join("."))
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from dir. A missing file is not an error: the
// defaults below are enough to run a one-shot clone.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Warn("config file not found. using defaults.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "site-cloner")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")

	v.SetDefault("crawler.crawl_mechanism", 1)
	v.SetDefault("crawler.max_pages", 10)
	v.SetDefault("crawler.include_assets", true)
	v.SetDefault("crawler.navigation_timeout", 60*time.Second)
	v.SetDefault("crawler.asset_timeout", 10*time.Second)
	v.SetDefault("crawler.asset_workers", 8)
	v.SetDefault("crawler.max_body_size", 0)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("crawler.common_crawl_fallback", false)
	v.SetDefault("crawler.request_timeout", 30)
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.last_crawl_indexes", 3)

	v.SetDefault("archive.beautify", false)
	v.SetDefault("archive.ignore_empty", true)
	v.SetDefault("archive.upload_to_s3", false)

	v.SetDefault("cache.type", "local")
	v.SetDefault("cache.ttl_for_asset", time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.producer.write_topic_name", "site-cloner.job-events")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.consumer.read_topic_name", "site-cloner.clone-tasks")
	v.SetDefault("kafka.consumer.group_id", "site-cloner")
	v.SetDefault("kafka.consumer.max_wait", time.Second)

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.key_prefix", "archives")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.collector_url", "localhost:4318")

	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)
}
