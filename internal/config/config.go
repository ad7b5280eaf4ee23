package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Stores   StoresConfig   `yaml:"stores"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type AppConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type JWTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PublicKeyPath  string        `yaml:"public_key_path"`
	PrivateKeyPath string        `yaml:"private_key_path"` // dev only, for minting tokens
	Audience       string        `yaml:"audience"`
	Issuer         string        `yaml:"issuer"`
	Leeway         time.Duration `yaml:"leeway"`
}

type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type HeliusConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	PageSize int    `yaml:"page_size"` // provider max 100
	MaxPages int    `yaml:"max_pages"`
}

type BirdeyeConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Chain   string `yaml:"chain"`
}

type UpstreamConfig struct {
	Helius         HeliusConfig  `yaml:"helius"`
	Birdeye        BirdeyeConfig `yaml:"birdeye"`
	Retry          RetryConfig   `yaml:"retry"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // per attempt
	RatePerSec     float64       `yaml:"rate_per_sec"`    // 0 -> unlimited
	Burst          int           `yaml:"burst"`
}

type CacheTTLConfig struct {
	Metrics time.Duration `yaml:"metrics"`
	Price   time.Duration `yaml:"price"`
}

type CacheConfig struct {
	Backend        string         `yaml:"backend"` // memory|redis
	Prefix         string         `yaml:"prefix"`  // redis key namespace
	TTL            CacheTTLConfig `yaml:"ttl"`
	StaleRetention time.Duration  `yaml:"stale_retention"`
	JanitorEvery   time.Duration  `yaml:"janitor_every"`
}

type AnalyzerConfig struct {
	LargeTradeFraction float64       `yaml:"large_trade_fraction"`
	LargeTradeMinUSD   float64       `yaml:"large_trade_min_usd"`
	TopN               int           `yaml:"top_n"`
	DefaultWindow      time.Duration `yaml:"default_window"`
	MaxWindow          time.Duration `yaml:"max_window"`
	WindowBucket       time.Duration `yaml:"window_bucket"`
	FetchLimit         int           `yaml:"fetch_limit"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	PoolAddresses      []string      `yaml:"pool_addresses"`
	PublishSummaries   bool          `yaml:"publish_summaries"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StoresConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	BroadcastPrefix string `yaml:"broadcast_prefix"`
}

type PubSubConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

type RateBucket struct {
	RefillPerSec int           `yaml:"refill_per_sec"`
	Burst        int           `yaml:"burst"`
	TTL          time.Duration `yaml:"ttl"` // idle key lifetime
}

// Redis token buckets per client IP and per JWT subject
type RateLimitConfig struct {
	Enabled        bool       `yaml:"enabled"`
	ByIP           RateBucket `yaml:"by_ip"`
	ByJWT          RateBucket `yaml:"by_jwt"`
	TrustedProxies []string   `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
}

type HTTPConfig struct {
	Addr         string          `yaml:"addr"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout"`
	Gzip         bool            `yaml:"gzip"`
	CORS         CORSConfig      `yaml:"cors"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type APIConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

type PyroscopeConfig struct {
	Enabled      bool              `yaml:"enabled"`
	AppName      string            `yaml:"app_name"`
	ServerAddr   string            `yaml:"server_addr"`
	AuthToken    string            `yaml:"auth_token"`
	Tags         map[string]string `yaml:"tags"`
	ProfileTypes []string          `yaml:"profile_types"` // empty -> cpu, alloc, inuse, goroutines, mutex
	UploadRate   time.Duration     `yaml:"upload_rate"`
}

type MetricsConfig struct {
	Pyroscope PyroscopeConfig `yaml:"pyroscope"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
