package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEEARS AppEEARSConfig `yaml:"appeears"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type AppEEARSConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Product        string        `yaml:"product"`
	Layers         []string      `yaml:"layers"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxRetryWait   time.Duration `yaml:"max_retry_wait"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	TopicScenes   string   `yaml:"topic_scenes"`
	GroupID       string   `yaml:"group_id"`
	NumPartitions int      `yaml:"num_partitions"`
	Workers       int      `yaml:"workers"`
}

type StorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	WriteRetries int    `yaml:"write_retries"`
}

type PipelineConfig struct {
	WorkDir             string        `yaml:"work_dir"`
	RegionsPath         string        `yaml:"regions_path"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollMaxInterval     time.Duration `yaml:"poll_max_interval"`
	PollMaxAttempts     int           `yaml:"poll_max_attempts"`
	SubmitTime          string        `yaml:"submit_time"`
	WindowDays          int           `yaml:"window_days"`
	PendingPollInterval time.Duration `yaml:"pending_poll_interval"`
	MigrationsDir       string        `yaml:"migrations_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultLayers are the seven ECO_L2T_LSTE bands every scene needs
var DefaultLayers = []string{"LST", "LST_err", "QC", "water", "cloud", "EmisWB", "height"}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		AppEEARS: AppEEARSConfig{
			BaseURL:        "https://appeears.earthdatacloud.nasa.gov/api",
			Product:        "ECO_L2T_LSTE.002",
			Layers:         append([]string(nil), DefaultLayers...),
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    120 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   500 * time.Millisecond,
			MaxRetryWait:   5 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "ecostress_user",
			Password: "ecostress_pass",
			DBName:   "ecostress_db",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			ClaimTTL: 30 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			TopicScenes:   "ecostress.scenes",
			GroupID:       "ecostress-processor",
			NumPartitions: 10,
			Workers:       4,
		},
		Storage: StorageConfig{
			Endpoint:     "localhost:9000",
			Bucket:       "multitifs",
			Prefix:       "ECO",
			WriteRetries: 3,
		},
		Pipeline: PipelineConfig{
			WorkDir:             "/tmp/ecostress",
			RegionsPath:         "static/polygons_new.geojson",
			PollInterval:        30 * time.Second,
			PollMaxInterval:     5 * time.Minute,
			PollMaxAttempts:     240,
			SubmitTime:          "06:00",
			WindowDays:          1,
			PendingPollInterval: 10 * time.Minute,
			MigrationsDir:       "migrations",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9100",
		},
	}
}

// Load resolves configuration from defaults, the optional YAML file named by
// CONFIG_FILE, the .env file and the process environment, later sources
// winning.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	a := &c.AppEEARS
	a.BaseURL = getEnv("APPEEARS_BASE_URL", a.BaseURL)
	a.Username = getEnv("APPEEARS_USER", a.Username)
	a.Password = getEnv("APPEEARS_PASS", a.Password)
	a.Product = getEnv("APPEEARS_PRODUCT", a.Product)
	a.Layers = getEnvAsList("APPEEARS_LAYERS", a.Layers)
	a.ConnectTimeout = getEnvAsDuration("APPEEARS_CONNECT_TIMEOUT", a.ConnectTimeout)
	a.ReadTimeout = getEnvAsDuration("APPEEARS_READ_TIMEOUT", a.ReadTimeout)
	a.MaxRetries = getEnvAsInt("APPEEARS_MAX_RETRIES", a.MaxRetries)
	a.RetryBackoff = getEnvAsDuration("APPEEARS_RETRY_BACKOFF", a.RetryBackoff)
	a.MaxRetryWait = getEnvAsDuration("APPEEARS_MAX_RETRY_WAIT", a.MaxRetryWait)

	d := &c.Database
	d.Host = getEnv("DB_HOST", d.Host)
	d.Port = getEnvAsInt("DB_PORT", d.Port)
	d.User = getEnv("DB_USER", d.User)
	d.Password = getEnv("DB_PASSWORD", d.Password)
	d.DBName = getEnv("DB_NAME", d.DBName)
	d.SSLMode = getEnv("DB_SSLMODE", d.SSLMode)

	r := &c.Redis
	r.Addr = getEnv("REDIS_ADDR", r.Addr)
	r.Password = getEnv("REDIS_PASSWORD", r.Password)
	r.DB = getEnvAsInt("REDIS_DB", r.DB)
	r.ClaimTTL = getEnvAsDuration("REDIS_CLAIM_TTL", r.ClaimTTL)

	k := &c.Kafka
	k.Brokers = getEnvAsList("KAFKA_BROKERS", k.Brokers)
	k.TopicScenes = getEnv("KAFKA_TOPIC_SCENES", k.TopicScenes)
	k.GroupID = getEnv("KAFKA_GROUP_ID", k.GroupID)
	k.NumPartitions = getEnvAsInt("KAFKA_NUM_PARTITIONS", k.NumPartitions)
	k.Workers = getEnvAsInt("KAFKA_WORKERS", k.Workers)

	s := &c.Storage
	s.Endpoint = getEnv("STORAGE_ENDPOINT", s.Endpoint)
	s.AccessKey = getEnv("STORAGE_ACCESS_KEY", s.AccessKey)
	s.SecretKey = getEnv("STORAGE_SECRET_KEY", s.SecretKey)
	s.UseSSL = getEnvAsBool("STORAGE_USE_SSL", s.UseSSL)
	s.Bucket = getEnv("STORAGE_BUCKET", s.Bucket)
	s.Prefix = getEnv("STORAGE_PREFIX", s.Prefix)
	s.WriteRetries = getEnvAsInt("STORAGE_WRITE_RETRIES", s.WriteRetries)

	p := &c.Pipeline
	p.WorkDir = getEnv("PIPELINE_WORK_DIR", p.WorkDir)
	p.RegionsPath = getEnv("PIPELINE_REGIONS_PATH", p.RegionsPath)
	p.PollInterval = getEnvAsDuration("PIPELINE_POLL_INTERVAL", p.PollInterval)
	p.PollMaxInterval = getEnvAsDuration("PIPELINE_POLL_MAX_INTERVAL", p.PollMaxInterval)
	p.PollMaxAttempts = getEnvAsInt("PIPELINE_POLL_MAX_ATTEMPTS", p.PollMaxAttempts)
	p.SubmitTime = getEnv("PIPELINE_SUBMIT_TIME", p.SubmitTime)
	p.WindowDays = getEnvAsInt("PIPELINE_WINDOW_DAYS", p.WindowDays)
	p.PendingPollInterval = getEnvAsDuration("PIPELINE_PENDING_POLL_INTERVAL", p.PendingPollInterval)
	p.MigrationsDir = getEnv("PIPELINE_MIGRATIONS_DIR", p.MigrationsDir)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Metrics.ListenAddr = getEnv("METRICS_ADDR", c.Metrics.ListenAddr)
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	if len(c.AppEEARS.Layers) == 0 {
		return fmt.Errorf("appeears.layers must not be empty")
	}
	if c.AppEEARS.MaxRetries < 0 {
		return fmt.Errorf("appeears.max_retries must not be negative")
	}
	if c.AppEEARS.MaxRetryWait < c.AppEEARS.RetryBackoff {
		return fmt.Errorf("appeears.max_retry_wait must be at least appeears.retry_backoff")
	}
	if c.Kafka.Workers < 1 {
		return fmt.Errorf("kafka.workers must be at least 1")
	}
	if c.Storage.WriteRetries < 1 {
		return fmt.Errorf("storage.write_retries must be at least 1")
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.PollMaxInterval < c.Pipeline.PollInterval {
		return fmt.Errorf("pipeline.poll_interval must be positive and not exceed poll_max_interval")
	}
	if c.Pipeline.PollMaxAttempts < 1 {
		return fmt.Errorf("pipeline.poll_max_attempts must be at least 1")
	}
	if c.Pipeline.WindowDays < 1 {
		return fmt.Errorf("pipeline.window_days must be at least 1")
	}
	if _, _, err := ParseClock(c.Pipeline.SubmitTime); err != nil {
		return fmt.Errorf("pipeline.submit_time: %w", err)
	}
	return nil
}

// ParseClock parses an HH:MM time of day
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
