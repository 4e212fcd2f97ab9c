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

const DefaultBaseURL = "https://api.alegra.com/api/v1"

type Config struct {
	DBSource string
	Port     string
	Env      string

	AlegraEmail      string
	AlegraToken      string
	AlegraBaseURL    string
	PageSize         int
	PageDelay        time.Duration
	HTTPTimeout      time.Duration
	UserAgent        string
	LookbackDays     int
	OverlapDays      int
	FullReload       bool
	CanceledStatuses []string
	SyncInterval     time.Duration
	LogLevel         string
	LogFile          string
}

// Settings are the tunables that may also come from a YAML file named by
// CONFIG_FILE. Credentials and the database DSN are environment-only.
type Settings struct {
	AlegraBaseURL    string        `yaml:"alegra_base_url"`
	PageSize         int           `yaml:"page_size"`
	PageDelay        time.Duration `yaml:"page_delay"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	LookbackDays     int           `yaml:"lookback_days"`
	OverlapDays      int           `yaml:"overlap_days"`
	FullReload       bool          `yaml:"full_reload"`
	CanceledStatuses []string      `yaml:"canceled_statuses"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	Port             string        `yaml:"server_port"`
	LogLevel         string        `yaml:"log_level"`
	LogFile          string        `yaml:"log_file"`
}

func defaultSettings() Settings {
	return Settings{
		AlegraBaseURL:    DefaultBaseURL,
		PageSize:         30,
		PageDelay:        200 * time.Millisecond,
		HTTPTimeout:      60 * time.Second,
		UserAgent:        "salesync/1.0",
		LookbackDays:     400,
		OverlapDays:      3,
		CanceledStatuses: []string{"void", "anulada"},
		Port:             "8080",
		LogLevel:         "info",
	}
}

// loadSettings overlays the YAML file at path on the defaults. Keys absent
// from the file keep their default.
func loadSettings(path string) (Settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return s, nil
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
// Environment variables also override CONFIG_FILE settings.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		dbSource = os.Getenv("SUPABASE_PG_CONN")
	}
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	email := strings.TrimSpace(os.Getenv("ALEGRA_EMAIL"))
	token := strings.TrimSpace(os.Getenv("ALEGRA_TOKEN"))
	if email == "" || token == "" {
		return nil, fmt.Errorf("ALEGRA_EMAIL and ALEGRA_TOKEN environment variables are required")
	}

	def, err := loadSettings(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBSource:      dbSource,
		Port:          getEnv("SERVER_PORT", def.Port),
		Env:           getEnv("ENVIRONMENT", "development"),
		AlegraEmail:   email,
		AlegraToken:   token,
		AlegraBaseURL: getEnv("ALEGRA_BASE_URL", def.AlegraBaseURL),
		UserAgent:     getEnv("USER_AGENT", def.UserAgent),
		LogLevel:      getEnv("LOG_LEVEL", def.LogLevel),
		LogFile:       getEnv("LOG_FILE", def.LogFile),
	}

	cfg.CanceledStatuses = def.CanceledStatuses
	if v := os.Getenv("CANCELED_STATUSES"); strings.TrimSpace(v) != "" {
		cfg.CanceledStatuses = splitList(v)
	}

	if cfg.PageSize, err = getInt("PAGE_SIZE", def.PageSize); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}
	if cfg.LookbackDays, err = getInt("LOOKBACK_DAYS", def.LookbackDays); err != nil {
		return nil, err
	}
	if cfg.OverlapDays, err = getInt("OVERLAP_DAYS", def.OverlapDays); err != nil {
		return nil, err
	}
	if cfg.LookbackDays < 0 || cfg.OverlapDays < 0 {
		return nil, fmt.Errorf("LOOKBACK_DAYS and OVERLAP_DAYS must not be negative")
	}
	if cfg.PageDelay, err = getDuration("PAGE_DELAY", def.PageDelay); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getDuration("HTTP_TIMEOUT", def.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", def.SyncInterval); err != nil {
		return nil, err
	}
	if cfg.FullReload, err = getBool("FULL_RELOAD", def.FullReload); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
