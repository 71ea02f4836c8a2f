// Package config loads runtime configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voxecho server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	SIPPort     int
	RTPPortMin  int
	RTPPortMax  int
	ExternalIP  string // public IP advertised in SDP answers (auto-detected if empty)
	MaxCalls    int    // concurrent call cap; further INVITEs get 486 Busy Here
	RingTimeout time.Duration
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultSIPPort     = 5060
	defaultRTPPortMin  = 10000
	defaultRTPPortMax  = 20000
	defaultMaxCalls    = 100
	defaultRingTimeout = 20 * time.Second
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all voxecho environment variables.
const envPrefix = "VOXECHO_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxecho", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and prompt storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP status API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP answers (auto-detected if empty)")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum concurrent calls; further INVITEs are rejected with 486")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long to wait for the ACK after answering before hanging up")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line. This preserves the
// precedence: CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":     envPrefix + "DATA_DIR",
		"http-port":    envPrefix + "HTTP_PORT",
		"sip-port":     envPrefix + "SIP_PORT",
		"rtp-port-min": envPrefix + "RTP_PORT_MIN",
		"rtp-port-max": envPrefix + "RTP_PORT_MAX",
		"external-ip":  envPrefix + "EXTERNAL_IP",
		"max-calls":    envPrefix + "MAX_CALLS",
		"ring-timeout": envPrefix + "RING_TIMEOUT",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "max-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCalls = v
			}
		case "ring-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RingTimeout = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+1 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+1 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be at least 1, got %d", c.MaxCalls)
	}
	if c.RingTimeout < time.Second {
		return fmt.Errorf("ring-timeout must be at least 1s, got %v", c.RingTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaIP returns the IP address to advertise in SDP answers. If
// ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4
// address, falling back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
