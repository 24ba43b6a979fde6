package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config captures the settings required to boot the analyzer.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Clients    ClientsConfig    `yaml:"clients"`
	LocalStore LocalStoreConfig `yaml:"localStore"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Cache      CacheConfig      `yaml:"cache"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// ClientsConfig groups remote integrations.
type ClientsConfig struct {
	VRChat VRChatClientConfig `yaml:"vrchat"`
}

// VRChatClientConfig configures access to the VRChat web API.
type VRChatClientConfig struct {
	BaseURL    string          `yaml:"baseURL" validate:"required,url"`
	LoginPath  string          `yaml:"loginPath" validate:"required,startswith=/"`
	UserPath   string          `yaml:"userPath" validate:"required,startswith=/"`
	AvatarPath string          `yaml:"avatarPath" validate:"required,startswith=/"`
	UserAgent  string          `yaml:"userAgent" validate:"required"`
	Username   string          `yaml:"username"`
	Password   string          `yaml:"password"`
	Timeout    time.Duration   `yaml:"timeout" validate:"gt=0"`
	SessionTTL time.Duration   `yaml:"sessionTTL" validate:"gt=0"`
	RateLimit  RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig paces outbound requests; rps 0 disables pacing.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// LocalStoreConfig locates the desktop client's history database.
type LocalStoreConfig struct {
	Path        string        `yaml:"path"`
	TablePrefix string        `yaml:"tablePrefix" validate:"omitempty,max=32"`
	MaxVisits   int           `yaml:"maxVisits" validate:"gte=1,lte=50"`
	ChurnWindow time.Duration `yaml:"churnWindow" validate:"gt=0"`
	BusyTimeout time.Duration `yaml:"busyTimeout" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading; an empty path uses the built-in pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Redis-backed caching of remote evidence.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	EvidenceTTL  time.Duration `yaml:"evidenceTTL" validate:"gte=0"`
}

// TracingConfig controls OpenTelemetry export; an empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Load initialises Config from defaults, a YAML file, an optional .env file and environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			VRChat: VRChatClientConfig{
				BaseURL:    "https://api.vrchat.cloud/api/1",
				LoginPath:  "/auth/user",
				UserPath:   "/users",
				AvatarPath: "/avatars",
				UserAgent:  "vrc-sentinel/0.1 (contact: ops@vrcsentinel.invalid)",
				Timeout:    10 * time.Second,
				SessionTTL: time.Hour,
				RateLimit:  RateLimitConfig{RPS: 1, Burst: 2},
			},
		},
		LocalStore: LocalStoreConfig{
			MaxVisits:   50,
			ChurnWindow: 24 * time.Hour,
			BusyTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			EvidenceTTL:  5 * time.Minute,
		},
		Tracing: TracingConfig{ServiceName: "vrc-sentinel"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_VRCHAT_BASE_URL"); v != "" {
		cfg.Clients.VRChat.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_VRCHAT_USER_AGENT"); v != "" {
		cfg.Clients.VRChat.UserAgent = v
	}
	if v := os.Getenv("SENTINEL_VRCHAT_USERNAME"); v != "" {
		cfg.Clients.VRChat.Username = v
	}
	if v := os.Getenv("SENTINEL_VRCHAT_PASSWORD"); v != "" {
		cfg.Clients.VRChat.Password = v
	}
	if v := os.Getenv("SENTINEL_VRCHAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.VRChat.Timeout = d
		}
	}
	if v := os.Getenv("SENTINEL_VRCHAT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Clients.VRChat.RateLimit.RPS = rps
		}
	}
	if v := os.Getenv("SENTINEL_LOCAL_STORE_PATH"); v != "" {
		cfg.LocalStore.Path = v
	}
	if v := os.Getenv("SENTINEL_LOCAL_STORE_TABLE_PREFIX"); v != "" {
		cfg.LocalStore.TablePrefix = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SENTINEL_CACHE_EVIDENCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.EvidenceTTL = d
		}
	}
	if v := os.Getenv("SENTINEL_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
}
