package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"TradePipe/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" validate:"required"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`
	Profiling struct {
		Enabled       bool   `yaml:"enabled"`
		ServerAddress string `yaml:"server_address" default:"http://localhost:4040"`
		AppName       string `yaml:"app_name" default:"tradepipe"`
	} `yaml:"profiling"`
	Venue struct {
		URL              string        `yaml:"url" validate:"required"`
		AppID            string        `yaml:"app_id"`
		Markets          []string      `yaml:"markets" validate:"min=1"`
		RequestTimeout   time.Duration `yaml:"request_timeout" default:"10s"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"5s"`
		PingInterval     time.Duration `yaml:"ping_interval" default:"10s"`
		PongTimeout      time.Duration `yaml:"pong_timeout" default:"15s"`
		BackoffMin       time.Duration `yaml:"backoff_min" default:"1s"`
		BackoffMax       time.Duration `yaml:"backoff_max" default:"30s"`
		BreakerThreshold int           `yaml:"breaker_threshold" default:"5" validate:"gt=0"`
		BreakerWindow    time.Duration `yaml:"breaker_window" default:"30s"`
		AdminToken       string        `yaml:"admin_token"`
	} `yaml:"venue"`
	Normalizer struct {
		MinPrice         float64       `yaml:"min_price" default:"0.00001"`
		MaxSpreadRatio   float64       `yaml:"max_spread_ratio" default:"0.05"`
		DedupWindow      int           `yaml:"dedup_window" default:"50"`
		BufferSize       int           `yaml:"buffer_size" default:"100"`
		VolatilityWindow int           `yaml:"volatility_window" default:"20"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" default:"10s"`
		CheckInterval    time.Duration `yaml:"check_interval" default:"1s"`
	} `yaml:"normalizer"`
	Signals struct {
		MinConfidence float64       `yaml:"min_confidence" default:"0.6" validate:"gte=0,lte=1"`
		Markets       []string      `yaml:"markets"`
		HistorySize   int           `yaml:"history_size" default:"50" validate:"gte=26"`
		Expiry        time.Duration `yaml:"expiry" default:"60s"`
	} `yaml:"signals"`
	AI struct {
		Enabled               bool          `yaml:"enabled"`
		URL                   string        `yaml:"url"`
		Timeout               time.Duration `yaml:"timeout" default:"2s"`
		ConfidenceFloor       float64       `yaml:"confidence_floor" default:"0.55"`
		VolatileMinConfidence float64       `yaml:"volatile_min_confidence" default:"0.8"`
		RatePerSecond         float64       `yaml:"rate_per_second" default:"2"`
		Burst                 float64       `yaml:"burst" default:"5"`
		StrategyVersion       string        `yaml:"strategy_version" default:"v1"`
	} `yaml:"ai"`
	Safety struct {
		KillSwitchFile string        `yaml:"kill_switch_file" default:"config/ai_status.json"`
		PauseFile      string        `yaml:"pause_file" default:"config/global_trading_state.json"`
		CacheTTL       time.Duration `yaml:"cache_ttl" default:"2s"`
	} `yaml:"safety"`
	SignalStore struct {
		TTL           time.Duration `yaml:"ttl" default:"60s"`
		SweepInterval time.Duration `yaml:"sweep_interval" default:"5s"`
		Retention     time.Duration `yaml:"retention" default:"1h"`
	} `yaml:"signal_store"`
	Execution struct {
		DedupTTL     time.Duration `yaml:"dedup_ttl" default:"1h"`
		Stake        string        `yaml:"stake" default:"1.00"`
		Duration     int           `yaml:"duration" default:"5"`
		DurationUnit string        `yaml:"duration_unit" default:"t" validate:"oneof=t s m h d"`
		Currency     string        `yaml:"currency" default:"USD"`
		Basis        string        `yaml:"basis" default:"stake"`
	} `yaml:"execution"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"tradepipe"`
	} `yaml:"redis"`
	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"5432"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database" default:"tradepipe"`
		SSLMode  string `yaml:"sslmode" default:"disable"`
	} `yaml:"postgres"`
	Credentials struct {
		Secret string `yaml:"secret" validate:"required"`
	} `yaml:"credentials"`
	Kafka struct {
		Enabled           bool     `yaml:"enabled"`
		Brokers           []string `yaml:"brokers"`
		EventsTopic       string   `yaml:"events_topic" default:"events"`
		LogsTopic         string   `yaml:"logs_topic" default:"logs"`
		ManualTradesTopic string   `yaml:"manual_trades_topic" default:"manual_trades"`
		RequiredAcks      int      `yaml:"required_acks" default:"-1"`
		Compression       string   `yaml:"compression" default:"snappy"`
		Producer          struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"tradepipe"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"manual_trades_dlq"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled      bool          `yaml:"enabled"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"9000"`
		Database     string        `yaml:"database" default:"tradepipe"`
		User         string        `yaml:"user" default:"default"`
		Password     string        `yaml:"password"`
		UseHTTP      bool          `yaml:"use_http"`
		AsyncInsert  bool          `yaml:"async_insert"`
		WaitForAsync bool          `yaml:"wait_for_async_insert"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		BatchSize    int           `yaml:"batch_size" default:"500"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"2s"`
		MaxBuffered  int           `yaml:"max_buffered" default:"20000"`
	} `yaml:"clickhouse"`
}

var validate = validator.New()

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes raw YAML. Exposed for tests and embedded configs.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides it with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("VENUE_URL"); v != "" {
		c.Venue.URL = v
	}
	if v := getenv("VENUE_APP_ID"); v != "" {
		c.Venue.AppID = v
	}
	if v := getenv("VENUE_ADMIN_TOKEN"); v != "" {
		c.Venue.AdminToken = v
	}
	if v := getenv("MARKETS"); v != "" {
		c.Venue.Markets = splitList(v)
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_DB"); v != "" {
		c.Redis.DB = util.ParseIntDefault(v, c.Redis.DB)
	}
	if v := getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := getenv("CREDENTIAL_SECRET"); v != "" {
		c.Credentials.Secret = v
	}
	if v := getenv("AI_URL"); v != "" {
		c.AI.URL = v
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.AI.Enabled && c.AI.URL == "" {
		return fmt.Errorf("ai.url is required when ai.enabled is set")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Venue.PongTimeout <= c.Venue.PingInterval {
		return fmt.Errorf("venue.pong_timeout (%s) must exceed venue.ping_interval (%s)", c.Venue.PongTimeout, c.Venue.PingInterval)
	}
	if c.Venue.BackoffMax < c.Venue.BackoffMin {
		return fmt.Errorf("venue.backoff_max must be >= venue.backoff_min")
	}
	return nil
}

// SignalMarkets returns the signal allow-list, falling back to the subscribed markets.
func (c *Config) SignalMarkets() []string {
	if len(c.Signals.Markets) > 0 {
		return c.Signals.Markets
	}
	return c.Venue.Markets
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
