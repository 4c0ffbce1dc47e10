package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfig returns a minimal default Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Role:        "master",
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		Pacing: PacingConfig{
			MinDelayMS:         8000,
			MaxDelayMS:         25000,
			ShortBreakEveryN:   10,
			ShortBreakMinS:     30,
			ShortBreakMaxS:     120,
			LongBreakEveryN:    50,
			LongBreakMinS:      300,
			LongBreakMaxS:      900,
			MaxMessagesPerDay:  30,
			MaxMessagesPerHour: 15,
		},
		Workers: WorkersConfig{Count: 0, URLs: []string{}},
		Storage: StorageConfig{Driver: "sqlite", DSN: "sendbrain.db", SessionDir: "~/.sendbrain/sessions"},
		Ingress: IngressConfig{APIKey: "REPLACE_ME"},
		Proxies: ProxyConfig{Addrs: []string{}},
	}
}

// SaveConfig writes the config to the given path (creating parent dirs).
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o640)
}

// ResolveDefaultPaths returns absolute paths for the config and session
// store based on the home directory.
func ResolveDefaultPaths() (cfgPath string, sessionDir string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	cfgPath = filepath.Join(home, ".sendbrain", "config.json")
	sessionDir = filepath.Join(home, ".sendbrain", "sessions")
	return cfgPath, sessionDir, nil
}

// Onboard writes a default config to the user's home directory, creating
// the session directory alongside it, and returns both paths.
func Onboard() (string, string, error) {
	cfgPath, sessionDir, err := ResolveDefaultPaths()
	if err != nil {
		return "", "", err
	}
	cfg := DefaultConfig()
	cfg.Storage.SessionDir = sessionDir
	if err := SaveConfig(cfg, cfgPath); err != nil {
		return "", "", fmt.Errorf("saving config: %w", err)
	}
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating session dir: %w", err)
	}
	return cfgPath, sessionDir, nil
}

// envTable maps each environment-variable override from spec.md §6 to the
// dotted viper key it sets; LoadConfig applies each one with v.Set.
var envTable = map[string]string{
	"MIN_DELAY_MS":          "pacing.minDelayMs",
	"MAX_DELAY_MS":          "pacing.maxDelayMs",
	"SHORT_BREAK_EVERY_N":   "pacing.shortBreakEveryN",
	"SHORT_BREAK_MIN_S":     "pacing.shortBreakMinS",
	"SHORT_BREAK_MAX_S":     "pacing.shortBreakMaxS",
	"LONG_BREAK_EVERY_N":    "pacing.longBreakEveryN",
	"LONG_BREAK_MIN_S":      "pacing.longBreakMinS",
	"LONG_BREAK_MAX_S":      "pacing.longBreakMaxS",
	"MAX_MESSAGES_PER_DAY":  "pacing.maxMessagesPerDay",
	"MAX_MESSAGES_PER_HOUR": "pacing.maxMessagesPerHour",
	"WORKER_COUNT":          "workers.count",
	"API_KEY":               "ingress.apiKey",
}

// LoadConfig reads the JSON config at path (if it exists) and layers the
// spec.md §6 environment-variable table on top via viper, including the
// indexed WORKER_{n}_URL entries that viper's flat key binding can't
// express directly.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetConfigType("json")
	b, _ := json.Marshal(cfg)
	if err := v.ReadConfig(strings.NewReader(string(b))); err != nil {
		return cfg, fmt.Errorf("loading config into viper: %w", err)
	}
	for env, key := range envTable {
		if val, ok := os.LookupEnv(env); ok {
			v.Set(key, val)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshalling overlaid config: %w", err)
	}

	applyWorkerURLEnv(&cfg)
	return cfg, nil
}

// applyWorkerURLEnv scans the environment for WORKER_{n}_URL entries
// (1-indexed, 1 ≤ n ≤ Workers.Count) and fills the Workers.URLs slice.
func applyWorkerURLEnv(cfg *Config) {
	if cfg.Workers.Count <= 0 {
		return
	}
	urls := make([]string, cfg.Workers.Count)
	copy(urls, cfg.Workers.URLs)
	for i := 0; i < cfg.Workers.Count; i++ {
		key := "WORKER_" + strconv.Itoa(i+1) + "_URL"
		if val, ok := os.LookupEnv(key); ok {
			urls[i] = val
		}
	}
	cfg.Workers.URLs = urls
}
