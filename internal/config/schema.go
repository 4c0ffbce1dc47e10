// Package config holds the operator-facing configuration for both the
// Master and Worker processes: pacing defaults, storage locations, the
// worker fleet table, and ingress auth.
package config

import "time"

// Config holds sendbrain configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Pacing  PacingConfig  `json:"pacing"`
	Workers WorkersConfig `json:"workers"`
	Storage StorageConfig `json:"storage"`
	Ingress IngressConfig `json:"ingress"`
	Proxies ProxyConfig   `json:"proxies"`
}

// ServerConfig selects the process role and its bind address.
type ServerConfig struct {
	Role        string `json:"role"` // "master" | "worker"
	ListenAddr  string `json:"listenAddr"`
	MetricsAddr string `json:"metricsAddr"`
	WorkerID    string `json:"workerId"`
}

// PacingConfig is the operator-tunable subset of the Pacer defaults; the
// per-stage table in internal/identity supplies the rest.
type PacingConfig struct {
	MinDelayMS         int `json:"minDelayMs"`
	MaxDelayMS         int `json:"maxDelayMs"`
	ShortBreakEveryN   int `json:"shortBreakEveryN"`
	ShortBreakMinS     int `json:"shortBreakMinS"`
	ShortBreakMaxS     int `json:"shortBreakMaxS"`
	LongBreakEveryN    int `json:"longBreakEveryN"`
	LongBreakMinS      int `json:"longBreakMinS"`
	LongBreakMaxS      int `json:"longBreakMaxS"`
	MaxMessagesPerDay  int `json:"maxMessagesPerDay"`
	MaxMessagesPerHour int `json:"maxMessagesPerHour"`
}

func (p PacingConfig) MinDelay() time.Duration { return time.Duration(p.MinDelayMS) * time.Millisecond }
func (p PacingConfig) MaxDelay() time.Duration { return time.Duration(p.MaxDelayMS) * time.Millisecond }

// WorkersConfig is the Master's static view of the Worker fleet.
type WorkersConfig struct {
	Count int      `json:"count"`
	URLs  []string `json:"urls"`
}

// StorageConfig locates the relational store and per-identity session
// directory.
type StorageConfig struct {
	Driver     string `json:"driver"` // "sqlite" | "memory"
	DSN        string `json:"dsn"`
	SessionDir string `json:"sessionDir"`
}

// IngressConfig configures the public HTTP API's auth.
type IngressConfig struct {
	APIKey string `json:"apiKey"`
}

// ProxyConfig is the static fallback proxy-pool provider a Worker uses
// when no external pool is configured. Fleet-wide rotation is out of
// scope; this just hands out addrs from a fixed list.
type ProxyConfig struct {
	Addrs []string `json:"addrs"`
}
