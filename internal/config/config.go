package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lettinghub/property-query/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Redis         RedisConfig         `yaml:"redis"`
	ClickHouse    ClickHouseConfig    `yaml:"clickhouse"`
	Firestore     FirestoreConfig     `yaml:"firestore"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Geocoding     GeocodingConfig     `yaml:"geocoding"`
	Search        SearchConfig        `yaml:"search"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ElasticsearchConfig struct {
	Addresses         []string      `yaml:"addresses"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	IndexPrefix       string        `yaml:"index_prefix"`
	BulkSize          int           `yaml:"bulk_size"`
	BulkFlushInterval time.Duration `yaml:"bulk_flush_interval"`
}

type RedisConfig struct {
	Addresses    []string      `yaml:"addresses"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ClickHouseConfig struct {
	Addresses    []string      `yaml:"addresses"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

type FirestoreConfig struct {
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	Collection      string        `yaml:"collection"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	TopicListings string        `yaml:"topic_listings"`
	TopicDLQ      string        `yaml:"topic_dlq"`
	ConsumerGroup string        `yaml:"consumer_group"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

type GeocodingConfig struct {
	BaseURL         string             `yaml:"base_url"`
	RequestTimeout  time.Duration      `yaml:"request_timeout"`
	DefaultRadiusKm float64            `yaml:"default_radius_km"`
	CacheTTL        time.Duration      `yaml:"cache_ttl"`
	Bounds          models.BoundingBox `yaml:"bounds"`
}

type SearchConfig struct {
	// MaxDirectResults is the largest match count read out directly; above
	// it the engine answers with refinements instead.
	MaxDirectResults      int                  `yaml:"max_direct_results"`
	FuzzyMinSimilarity    float64              `yaml:"fuzzy_min_similarity"`
	FreetextMinSimilarity float64              `yaml:"freetext_min_similarity"`
	FreetextSampleSize    int                  `yaml:"freetext_sample_size"`
	AggregationSampleSize int                  `yaml:"aggregation_sample_size"`
	QueryTimeout          time.Duration        `yaml:"query_timeout"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry                 RetryConfig          `yaml:"retry"`
	SlowQuery             SlowQueryConfig      `yaml:"slow_query"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
}

type SlowQueryConfig struct {
	WarningThreshold  time.Duration `yaml:"warning_threshold"`
	CriticalThreshold time.Duration `yaml:"critical_threshold"`
}

type ObservabilityConfig struct {
	MetricsPort     int    `yaml:"metrics_port"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	LogLevel        string `yaml:"log_level"`
	ServiceName     string `yaml:"service_name"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:         []string{"http://localhost:9200"},
			MaxRetries:        3,
			RequestTimeout:    500 * time.Millisecond,
			IndexPrefix:       "properties",
			BulkSize:          1000,
			BulkFlushInterval: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addresses:    []string{"localhost:6379"},
			PoolSize:     100,
			MinIdleConns: 10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
		},
		ClickHouse: ClickHouseConfig{
			Addresses:    []string{"localhost:9000"},
			Database:     "property_analytics",
			DialTimeout:  5 * time.Second,
			QueryTimeout: 2 * time.Second,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Firestore: FirestoreConfig{
			Collection:     "knowledge_bases",
			RequestTimeout: 2 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			TopicListings: "listings.changes",
			TopicDLQ:      "listings.changes.dlq",
			ConsumerGroup: "property-indexer",
			BatchSize:     1000,
			BatchTimeout:  1 * time.Second,
			MaxRetries:    3,
		},
		Geocoding: GeocodingConfig{
			BaseURL:         "https://nominatim.openstreetmap.org/search",
			RequestTimeout:  2 * time.Second,
			DefaultRadiusKm: 5,
			CacheTTL:        24 * time.Hour,
			// Great Britain and Ireland
			Bounds: models.BoundingBox{MinLat: 49.8, MaxLat: 60.9, MinLon: -10.7, MaxLon: 1.8},
		},
		Search: SearchConfig{
			MaxDirectResults:      3,
			FuzzyMinSimilarity:    0.6,
			FreetextMinSimilarity: 0.7,
			FreetextSampleSize:    200,
			AggregationSampleSize: 1000,
			QueryTimeout:          2 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:      100,
				Interval:         30 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
			Retry: RetryConfig{
				MaxAttempts: 2,
				InitialWait: 50 * time.Millisecond,
				MaxWait:     500 * time.Millisecond,
				Multiplier:  2.0,
			},
			SlowQuery: SlowQueryConfig{
				WarningThreshold:  500 * time.Millisecond,
				CriticalThreshold: 1500 * time.Millisecond,
			},
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			ServiceName: "property-query-engine",
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("at least one elasticsearch address required")
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("at least one redis address required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker required")
	}
	if c.Search.MaxDirectResults <= 0 {
		return fmt.Errorf("max direct results must be positive")
	}
	if c.Search.FuzzyMinSimilarity <= 0 || c.Search.FuzzyMinSimilarity > 1 {
		return fmt.Errorf("fuzzy min similarity must be in (0,1]: %v", c.Search.FuzzyMinSimilarity)
	}
	if c.Search.FreetextMinSimilarity <= 0 || c.Search.FreetextMinSimilarity > 1 {
		return fmt.Errorf("freetext min similarity must be in (0,1]: %v", c.Search.FreetextMinSimilarity)
	}
	if c.Search.AggregationSampleSize <= 0 {
		return fmt.Errorf("aggregation sample size must be positive")
	}
	if c.Geocoding.DefaultRadiusKm <= 0 {
		return fmt.Errorf("default radius must be positive: %v", c.Geocoding.DefaultRadiusKm)
	}
	if b := c.Geocoding.Bounds; b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("geocoding bounds are degenerate")
	}
	return nil
}
