package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-wayang/internal/otel"
)

const (
	DefaultBindAddr      = "127.0.0.1:9500"
	DefaultModel         = "gpt-5-nano"
	DefaultMaxIterations = 5
	DefaultWayangURL     = "http://localhost:8080/wayang-api/json"

	configFileName = "config.yaml"
	dotenvFileName = ".env"
)

// LLMConfig selects the provider and the builder/debugger models.
type LLMConfig struct {
	// Provider is one of "openai", "openai_compatible", "anthropic", "google".
	Provider          string `yaml:"provider"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	BuilderModel      string `yaml:"builder_model"`
	BuilderReasoning  string `yaml:"builder_reasoning"`
	DebuggerModel     string `yaml:"debugger_model"`
	DebuggerReasoning string `yaml:"debugger_reasoning"`
	SchemaRetries     int    `yaml:"schema_retries"`
}

type JDBCConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type WayangConfig struct {
	URL            string   `yaml:"url"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Platforms      []string `yaml:"platforms"`
	// MaxBodyBytes fails an execution whose response is larger; 0 reads it all.
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type MaintenanceConfig struct {
	RetentionCron     string `yaml:"retention_cron"`
	RetentionDays     int    `yaml:"retention_days"`
	SchemaRefreshCron string `yaml:"schema_refresh_cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	LLM LLMConfig `yaml:"llm"`

	// UseDebugger enables the repair loop when a query does not say otherwise.
	UseDebugger   bool `yaml:"use_debugger"`
	MaxIterations int  `yaml:"max_iterations"`

	JDBC   JDBCConfig   `yaml:"jdbc"`
	Wayang WayangConfig `yaml:"wayang"`

	InputFolder  string `yaml:"input_folder"`
	OutputFolder string `yaml:"output_folder"`
	LogFolder    string `yaml:"log_folder"`
	DataDir      string `yaml:"data_dir"`

	// AllowOrigins lists Origin patterns accepted on /ws. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// DBPath is the location of the session store.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "gowayang.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

// DotenvPath returns the path to the .env file within the given home directory.
func DotenvPath(homeDir string) string {
	return filepath.Join(homeDir, dotenvFileName)
}

// Fingerprint returns a stable hash of the settings that affect query handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|builder=%s/%s|debugger=%s/%s|use_debugger=%t|iters=%d|wayang=%s|jdbc=%s|in=%s|out=%s",
		c.BindAddr, c.LogLevel, c.LLM.Provider,
		c.LLM.BuilderModel, c.LLM.BuilderReasoning,
		c.LLM.DebuggerModel, c.LLM.DebuggerReasoning,
		c.UseDebugger, c.MaxIterations, c.Wayang.URL, c.JDBC.URI,
		c.InputFolder, c.OutputFolder)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:      "openai",
			BuilderModel:  DefaultModel,
			DebuggerModel: DefaultModel,
			SchemaRetries: 2,
		},
		MaxIterations: DefaultMaxIterations,
		Wayang: WayangConfig{
			URL:            DefaultWayangURL,
			TimeoutSeconds: 600,
			Platforms:      []string{"java"},
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 10},
		Maintenance: MaintenanceConfig{
			RetentionCron: "0 3 * * *",
			RetentionDays: 90,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOWAYANG_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gowayang")
}

// Load reads config.yaml and .env from HomeDir and applies environment
// overrides. Process environment wins over .env, which wins over YAML.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gowayang home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	dotenv, err := readDotenv(DotenvPath(cfg.HomeDir))
	if err != nil {
		return cfg, err
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	if err := applyEnvOverrides(&cfg, lookup); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

// ParseBool accepts the Python-style "True"/"False" used by the tool
// arguments as well as the usual strconv spellings.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on", "t":
		return true, nil
	case "false", "0", "no", "off", "f", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func applyEnvOverrides(cfg *Config, env func(string) string) error {
	if raw := env("MCP_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("MCP_PORT: invalid port %q", raw)
		}
		host, _, splitErr := net.SplitHostPort(cfg.BindAddr)
		if splitErr != nil || host == "" {
			host = "127.0.0.1"
		}
		cfg.BindAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if raw := env("GOWAYANG_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := env("GOWAYANG_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env("GOWAYANG_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := env("BUILDER_LLM"); raw != "" {
		cfg.LLM.BuilderModel = raw
	}
	if raw := env("BUILDER_REASON_EFFORT"); raw != "" {
		cfg.LLM.BuilderReasoning = raw
	}
	if raw := env("DEBUGGER_LLM"); raw != "" {
		cfg.LLM.DebuggerModel = raw
	}
	if raw := env("DEBUGGER_REASON_EFFORT"); raw != "" {
		cfg.LLM.DebuggerReasoning = raw
	}
	if raw := env("USE_DEBUGGER"); raw != "" {
		v, err := ParseBool(raw)
		if err != nil {
			return fmt.Errorf("USE_DEBUGGER: %w", err)
		}
		cfg.UseDebugger = v
	}
	if raw := env("MAX_ITERATIONS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("MAX_ITERATIONS: %w", err)
		}
		cfg.MaxIterations = v
	}
	if raw := env("JDBC_URI"); raw != "" {
		cfg.JDBC.URI = raw
	}
	if raw := env("JDBC_USERNAME"); raw != "" {
		cfg.JDBC.Username = raw
	}
	if raw := env("JDBC_PASSWORD"); raw != "" {
		cfg.JDBC.Password = raw
	}
	if raw := env("INPUT_FOLDER"); raw != "" {
		cfg.InputFolder = raw
	}
	if raw := env("OUTPUT_FOLDER"); raw != "" {
		cfg.OutputFolder = raw
	}
	if raw := env("LOG_FOLDER"); raw != "" {
		cfg.LogFolder = raw
	}
	if raw := env("WAYANG_URL"); raw != "" {
		cfg.Wayang.URL = raw
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = env(apiKeyEnv(cfg.LLM.Provider))
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = env("OPENAI_BASE_URL")
	}
	return nil
}

func apiKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google", "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "openai"
	case "gemini":
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.BuilderModel == "" {
		cfg.LLM.BuilderModel = DefaultModel
	}
	if cfg.LLM.DebuggerModel == "" {
		cfg.LLM.DebuggerModel = DefaultModel
	}
	if cfg.LLM.SchemaRetries < 0 {
		cfg.LLM.SchemaRetries = 0
	}
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	if cfg.Wayang.URL == "" {
		cfg.Wayang.URL = DefaultWayangURL
	}
	if cfg.Wayang.TimeoutSeconds <= 0 {
		cfg.Wayang.TimeoutSeconds = 600
	}
	if len(cfg.Wayang.Platforms) == 0 {
		cfg.Wayang.Platforms = []string{"java"}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.LogFolder == "" {
		cfg.LogFolder = filepath.Join(cfg.HomeDir, "logs")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		cfg.RateLimit.RequestsPerMinute = 0
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.Maintenance.RetentionDays < 0 {
		cfg.Maintenance.RetentionDays = 0
	}
}

// WriteDefault writes a starter config.yaml into homeDir unless one exists.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create gowayang home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
