package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "90s" or "10m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// CameraConfig describes how to reach a meter camera.
type CameraConfig struct {
	Address     string `yaml:"address"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	SnapshotURL string `yaml:"snapshot_url,omitempty"`
	StreamURL   string `yaml:"stream_url,omitempty"`
}

// MeterConfig configures a single monitored meter.
type MeterConfig struct {
	Name               string       `yaml:"name"`
	Kind               string       `yaml:"kind"`
	Camera             CameraConfig `yaml:"camera"`
	Interval           Duration     `yaml:"interval,omitempty"`
	MaxDeltaPerReading float64      `yaml:"max_delta_per_reading,omitempty"`
	AlertThreshold     float64      `yaml:"alert_threshold,omitempty"`
	AlertRule          string       `yaml:"alert_rule,omitempty"`
	UseCubicMeters     bool         `yaml:"use_cubic_meters,omitempty"`
}

// DefaultsConfig holds global fallbacks applied to every meter.
type DefaultsConfig struct {
	Interval         Duration `yaml:"interval,omitempty"`
	CaptureTimeout   Duration `yaml:"capture_timeout,omitempty"`
	InterpretTimeout Duration `yaml:"interpret_timeout,omitempty"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout,omitempty"`
}

// VisionConfig configures the external interpretation service.
type VisionConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key,omitempty"`
	Model    string   `yaml:"model,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// InfluxConfig configures the optional InfluxDB reading store.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// SQLiteConfig configures the optional SQLite reading store.
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig groups the durable stores fed by accepted readings.
type StorageConfig struct {
	Directory string       `yaml:"directory,omitempty"`
	Influx    InfluxConfig `yaml:"influx,omitempty"`
	SQLite    SQLiteConfig `yaml:"sqlite,omitempty"`
}

// MQTTConfig configures the optional MQTT notification sink.
type MQTTConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Broker   string   `yaml:"broker"`
	ClientID string   `yaml:"client_id,omitempty"`
	Topic    string   `yaml:"topic,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	QoS      *byte    `yaml:"qos,omitempty"`
	Retain   *bool    `yaml:"retain,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// KafkaConfig configures the optional Kafka notification sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NotifyConfig groups the best-effort notification sinks.
type NotifyConfig struct {
	MQTT  MQTTConfig  `yaml:"mqtt,omitempty"`
	Kafka KafkaConfig `yaml:"kafka,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig toggles the metrics collector.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// DiagnosticsConfig configures the optional diagnostics HTTP server.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Vision      VisionConfig      `yaml:"vision"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	Meters      []MeterConfig     `yaml:"meters"`
}

const (
	defaultInterval         = 10 * time.Minute
	minInterval             = time.Minute
	defaultCaptureTimeout   = 15 * time.Second
	defaultInterpretTimeout = 90 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultVisionTimeout    = 60 * time.Second
)

var validKinds = map[string]struct{}{
	"water":    {},
	"electric": {},
	"gas":      {},
}

// Load reads the configuration file, expands environment references and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes configuration bytes, expanding ${VAR} and ${VAR:default}
// references before unmarshalling.
func Parse(raw []byte) (*Config, error) {
	expanded := ExpandEnv(string(raw))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} references with values from
// the process environment.
func ExpandEnv(raw string) string {
	return envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

// Validate checks structural invariants of the configuration.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Meters))
	for i, m := range c.Meters {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("meter %d: name must not be empty", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("meter %q configured twice", m.Name)
		}
		seen[m.Name] = struct{}{}
		if _, ok := validKinds[strings.ToLower(m.Kind)]; !ok {
			return fmt.Errorf("meter %q: unknown kind %q", m.Name, m.Kind)
		}
		if m.Camera.Address == "" && m.Camera.SnapshotURL == "" && m.Camera.StreamURL == "" {
			return fmt.Errorf("meter %q: camera address or URL required", m.Name)
		}
		if m.Interval.Duration != 0 && m.Interval.Duration < minInterval {
			return fmt.Errorf("meter %q: interval %s below minimum %s", m.Name, m.Interval.Duration, minInterval)
		}
		if m.MaxDeltaPerReading < 0 {
			return fmt.Errorf("meter %q: max_delta_per_reading must not be negative", m.Name)
		}
	}
	if c.Notify.MQTT.Enabled && c.Notify.MQTT.Broker == "" {
		return fmt.Errorf("notify.mqtt: broker is required")
	}
	if qos := c.Notify.MQTT.QoS; qos != nil && *qos > 2 {
		return fmt.Errorf("notify.mqtt: qos must be 0, 1 or 2")
	}
	if c.Notify.Kafka.Enabled && len(c.Notify.Kafka.Brokers) == 0 {
		return fmt.Errorf("notify.kafka: at least one broker is required")
	}
	if c.Storage.Influx.Enabled && c.Storage.Influx.URL == "" {
		return fmt.Errorf("storage.influx: url is required")
	}
	if c.Storage.SQLite.Enabled && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite: path is required")
	}
	return nil
}

// IntervalFor resolves the polling interval for a meter, falling back to the
// global default.
func (c *Config) IntervalFor(m MeterConfig) time.Duration {
	if m.Interval.Duration > 0 {
		return m.Interval.Duration
	}
	if c.Defaults.Interval.Duration > 0 {
		return c.Defaults.Interval.Duration
	}
	return defaultInterval
}

// CaptureTimeout returns the configured capture timeout or its default.
func (c *Config) CaptureTimeout() time.Duration {
	if c.Defaults.CaptureTimeout.Duration > 0 {
		return c.Defaults.CaptureTimeout.Duration
	}
	return defaultCaptureTimeout
}

// InterpretTimeout returns the configured interpretation timeout or its default.
func (c *Config) InterpretTimeout() time.Duration {
	if c.Defaults.InterpretTimeout.Duration > 0 {
		return c.Defaults.InterpretTimeout.Duration
	}
	return defaultInterpretTimeout
}

// ShutdownTimeout bounds how long Stop waits for polling loops to exit.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Defaults.ShutdownTimeout.Duration > 0 {
		return c.Defaults.ShutdownTimeout.Duration
	}
	return defaultShutdownTimeout
}

// VisionTimeout returns the vision request timeout or its default.
func (c *Config) VisionTimeout() time.Duration {
	if c.Vision.Timeout.Duration > 0 {
		return c.Vision.Timeout.Duration
	}
	return defaultVisionTimeout
}
