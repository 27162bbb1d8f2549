package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type appConfig struct {
	serialDev       string
	baud            int
	listenAddr      string
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	linkBufSize     int
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	listen := flag.String("listen", ":20100", "TCP listen address")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (packets)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	linkBuf := flag.Int("link-buffer", defaultLinkBufSize, "Whisper receive buffer size (bytes)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default whisper-bridge-<hostname>)")
	configFile := flag.String("config", "", "Optional YAML config file (lowest precedence)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env and file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.listenAddr = *listen
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.linkBufSize = *linkBuf
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if *configFile != "" {
		if err := applyFileConfig(cfg, *configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.linkBufSize < minLinkBufSize {
		return fmt.Errorf("link-buffer must be >= %d (got %d)", minLinkBufSize, c.linkBufSize)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// fileConfig mirrors appConfig for the optional YAML file. Pointer
// fields distinguish "absent" from zero values.
type fileConfig struct {
	Serial             *string `yaml:"serial"`
	Baud               *int    `yaml:"baud"`
	Listen             *string `yaml:"listen"`
	SerialReadTimeout  *string `yaml:"serial_read_timeout"`
	LogFormat          *string `yaml:"log_format"`
	LogLevel           *string `yaml:"log_level"`
	MetricsAddr        *string `yaml:"metrics_addr"`
	HubBuffer          *int    `yaml:"hub_buffer"`
	HubPolicy          *string `yaml:"hub_policy"`
	LogMetricsInterval *string `yaml:"log_metrics_interval"`
	LinkBuffer         *int    `yaml:"link_buffer"`
	MaxClients         *int    `yaml:"max_clients"`
	HandshakeTimeout   *string `yaml:"handshake_timeout"`
	ClientReadTimeout  *string `yaml:"client_read_timeout"`
	MDNSEnable         *bool   `yaml:"mdns_enable"`
	MDNSName           *string `yaml:"mdns_name"`
}

// applyFileConfig loads a YAML file and applies any field whose flag was
// not explicitly set. Env overrides run afterwards, so precedence is
// flag > env > file > default.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	dur := func(name string, v *string, dst *time.Duration) error {
		if v == nil {
			return nil
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", name, path, err)
		}
		*dst = d
		return nil
	}
	if _, ok := set["serial"]; !ok && fc.Serial != nil {
		c.serialDev = *fc.Serial
	}
	if _, ok := set["baud"]; !ok && fc.Baud != nil {
		c.baud = *fc.Baud
	}
	if _, ok := set["listen"]; !ok && fc.Listen != nil {
		c.listenAddr = *fc.Listen
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if err := dur("serial_read_timeout", fc.SerialReadTimeout, &c.serialReadTO); err != nil {
			return err
		}
	}
	if _, ok := set["log-format"]; !ok && fc.LogFormat != nil {
		c.logFormat = *fc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fc.LogLevel != nil {
		c.logLevel = *fc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fc.MetricsAddr != nil {
		c.metricsAddr = *fc.MetricsAddr
	}
	if _, ok := set["hub-buffer"]; !ok && fc.HubBuffer != nil {
		c.hubBuffer = *fc.HubBuffer
	}
	if _, ok := set["hub-policy"]; !ok && fc.HubPolicy != nil {
		c.hubPolicy = *fc.HubPolicy
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if err := dur("log_metrics_interval", fc.LogMetricsInterval, &c.logMetricsEvery); err != nil {
			return err
		}
	}
	if _, ok := set["link-buffer"]; !ok && fc.LinkBuffer != nil {
		c.linkBufSize = *fc.LinkBuffer
	}
	if _, ok := set["max-clients"]; !ok && fc.MaxClients != nil {
		c.maxClients = *fc.MaxClients
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if err := dur("handshake_timeout", fc.HandshakeTimeout, &c.handshakeTO); err != nil {
			return err
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if err := dur("client_read_timeout", fc.ClientReadTimeout, &c.clientReadTO); err != nil {
			return err
		}
	}
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fc.MDNSName != nil {
		c.mdnsName = *fc.MDNSName
	}
	return nil
}

// applyEnvOverrides maps WHISPER_BRIDGE_* environment variables to
// config fields unless a corresponding flag was explicitly set. Empty
// values are ignored, except WHISPER_BRIDGE_METRICS, where an empty
// value disables the metrics endpoint. Durations accept Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["serial"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["link-buffer"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_LINK_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.linkBufSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_LINK_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("WHISPER_BRIDGE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WHISPER_BRIDGE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
