package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// such as "5s".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if json.Unmarshal(b, &n) != nil {
			return fmt.Errorf("duration must be a string: %s", b)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Timeline      struct {
		DedupWindow Duration `json:"dedup_window"`
		TurnWindow  Duration `json:"turn_window"`
		PageSize    int      `json:"page_size"`
		LaneSize    int      `json:"lane_size"`
	} `json:"timeline"`
	Registry struct {
		ReapInterval Duration `json:"reap_interval"`
		AbortTimeout Duration `json:"abort_timeout"`
	} `json:"registry"`
	Preview struct {
		MaxBriefLines       int      `json:"max_brief_lines"`
		MaxFullContentSize  int      `json:"max_full_content_size"`
		GenerateFullContent bool     `json:"generate_full_content"`
		Timeout             Duration `json:"timeout"`
		TokenModel          string   `json:"token_model"`
	} `json:"preview"`
	HTTP struct {
		Listen    string `json:"listen"`
		AuthToken string `json:"auth_token" secret:"true"`
	} `json:"http"`
	Telegram struct {
		Token  string `json:"token" secret:"true"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".gopherline"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.Timeline.DedupWindow = Duration(5 * time.Second)
	cfg.Timeline.TurnWindow = Duration(5 * time.Second)
	cfg.Timeline.PageSize = 50
	cfg.Timeline.LaneSize = 100
	cfg.Registry.ReapInterval = Duration(5 * time.Minute)
	cfg.Registry.AbortTimeout = Duration(5 * time.Second)
	cfg.Preview.MaxBriefLines = 10
	cfg.Preview.MaxFullContentSize = 100_000
	cfg.Preview.Timeout = Duration(250 * time.Millisecond)
	cfg.Preview.TokenModel = "gpt-4o"
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

// DefaultPath returns ~/.gopherline/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".gopherline", "config.json")
}

// Load reads the config at path, writing defaults first if it does not
// exist. A .env file next to the config is loaded into the environment
// without overriding variables that are already set; environment variables
// then take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("GOPHERLINE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if listen := os.Getenv("GOPHERLINE_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if level := os.Getenv("GOPHERLINE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if token := os.Getenv("GOPHERLINE_AUTH_TOKEN"); token != "" {
		cfg.HTTP.AuthToken = token
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	for name, d := range map[string]Duration{
		"timeline.dedup_window":  c.Timeline.DedupWindow,
		"timeline.turn_window":   c.Timeline.TurnWindow,
		"registry.reap_interval": c.Registry.ReapInterval,
		"registry.abort_timeout": c.Registry.AbortTimeout,
		"preview.timeout":        c.Preview.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}
	if c.Preview.MaxBriefLines < 0 || c.Preview.MaxFullContentSize < 0 {
		return fmt.Errorf("invalid preview bounds: must not be negative")
	}
	return nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as dot-separated keys, with secrets
// masked when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw returns the config file as a generic map, keeping keys the Config
// struct does not know.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value for a dot-separated key: the stored one, or the
// default when the file predates the key. The file is created with defaults
// if missing.
func GetValue(path, key string) (any, error) {
	if _, ok := schema[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := Load(path); err != nil {
			return nil, err
		}
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(m)[key]; ok {
		return v, nil
	}
	defaults, err := ListValues(Default(), false)
	if err != nil {
		return nil, err
	}
	return defaults[key], nil
}

// SetValue stores value under a known dot-separated key, parsed by the key's
// type. The resulting file must still load, so an invalid value leaves the
// file untouched.
func SetValue(path, key, value string) error {
	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	check := Default()
	if err := json.Unmarshal(data, check); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeFile(path, data)
}
