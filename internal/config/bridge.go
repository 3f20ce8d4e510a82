package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig holds configuration for the toolbridge binary.
type BridgeConfig struct {
	ConfigFile     string   `yaml:"-"`
	LogLevel       string   `yaml:"log_level"`
	Port           int      `yaml:"port"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	EventTransport string   `yaml:"event_transport"`
	EventsPath     string   `yaml:"events_path"`
	IngressPath    string   `yaml:"ingress_path"`
	AttachPath     string   `yaml:"attach_path"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RedisAddr      string   `yaml:"redis_addr"`
	DeferResponses bool     `yaml:"defer_responses"`

	// Durations are set from env or flags; the file carries scalars only.
	ResponseTimeout time.Duration `yaml:"-"`
	DrainTimeout    time.Duration `yaml:"-"`
	KeepAlive       time.Duration `yaml:"-"`
}

// SetDefaults fills any zero field with the built-in baseline. Overlays
// run after this, so file, env, and flags all win over these values.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.EventTransport == "" {
		c.EventTransport = "sse"
	}
	if c.EventsPath == "" {
		c.EventsPath = "/events"
	}
	if c.IngressPath == "" {
		c.IngressPath = "/messages"
	}
	if c.AttachPath == "" {
		c.AttachPath = "/attach"
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv copies recognized environment variables over the current values.
// Unset or malformed variables leave the existing value in place.
func (c *BridgeConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := getEnv("EVENT_TRANSPORT", ""); v != "" {
		c.EventTransport = v
	}
	if v := getEnv("EVENTS_PATH", ""); v != "" {
		c.EventsPath = v
	}
	if v := getEnv("INGRESS_PATH", ""); v != "" {
		c.IngressPath = v
	}
	if v := getEnv("ATTACH_PATH", ""); v != "" {
		c.AttachPath = v
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("RESPONSE_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ResponseTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("KEEP_ALIVE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.KeepAlive = d
		}
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("DEFER_RESPONSES", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DeferResponses = b
		}
	}
}

// BindFlagsFromCurrent registers command line flags whose defaults are the
// values already in c, so a flag changes the config only when given.
func (c *BridgeConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the event surface")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.EventTransport, "event-transport", c.EventTransport, "push transport for the event side (sse or ws)")
	flag.StringVar(&c.EventsPath, "events-path", c.EventsPath, "path clients subscribe to for pushed events")
	flag.StringVar(&c.IngressPath, "ingress-path", c.IngressPath, "path clients post inbound messages to")
	flag.StringVar(&c.AttachPath, "attach-path", c.AttachPath, "path the websocket peer attaches on")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required on the event surface; leave empty to disable auth")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for bridge state")
	flag.Func("response-timeout", "seconds to wait for a peer response before failing the request", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.ResponseTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight messages on shutdown")
	flag.DurationVar(&c.KeepAlive, "keep-alive", c.KeepAlive, "keep-alive interval for event subscribers")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.BoolVar(&c.DeferResponses, "defer-responses", c.DeferResponses, "wait for the peer to answer requests instead of acknowledging locally")
}

// LoadFile reads a YAML file over the current values. Durations are not
// file keys; they stay on env and flags.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
