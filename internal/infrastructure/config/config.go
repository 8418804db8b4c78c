package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a picamera-mqtt client.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT         MQTTConfig             `yaml:"mqtt"`
	Client       ClientConfig           `yaml:"client"`
	Session      SessionConfig          `yaml:"session"`
	Topics       map[string]TopicConfig `yaml:"topics"`
	Database     DatabaseConfig         `yaml:"database"`
	InfluxDB     InfluxDBConfig         `yaml:"influxdb"`
	Logging      LoggingConfig          `yaml:"logging"`
	Deploy       DeployConfig           `yaml:"deploy"`
	Illumination IlluminationConfig     `yaml:"illumination"`
	Camera       CameraConfig           `yaml:"camera"`
	Host         HostConfig             `yaml:"host"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// CAFile is an optional PEM bundle used to verify the broker certificate.
	CAFile string `yaml:"ca_file"`

	// ClientID is the MQTT client identifier. When empty, one is derived
	// from the client name and the session id.
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientConfig identifies this device and the peers it addresses.
type ClientConfig struct {
	// Name is the namespace this client publishes under (e.g. "camera-1").
	Name string `yaml:"name"`

	// Targets are the peers this client observes or commands. A device
	// that only answers for itself lists its own name (the default).
	Targets []string `yaml:"targets"`
}

// SessionConfig controls keepalive and reconnection timing.
type SessionConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`

	// RetryInterval is the wait between failed connection attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// RetryMaxInterval enables bounded exponential backoff when greater
	// than RetryInterval. Zero keeps the fixed interval.
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`

	// RecoverNetwork runs the network recovery action (dhcpcd restart)
	// before retrying after DNS or OS-level network failures.
	RecoverNetwork bool `yaml:"recover_network"`
}

// TopicConfig overrides the built-in binding for one logical topic.
// Nil fields keep the role default.
type TopicConfig struct {
	QoS       *int   `yaml:"qos"`
	Namespace string `yaml:"namespace"`
	Subscribe *bool  `yaml:"subscribe"`
	Log       *bool  `yaml:"log"`
}

// DatabaseConfig contains SQLite capture catalog settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DeployConfig contains settings for remote deployment actions.
type DeployConfig struct {
	// Enabled allows deployment commands to run system actions.
	// When false they are logged and ignored.
	Enabled bool `yaml:"enabled"`

	// PiUsername is the account that owns the checked-out repository.
	PiUsername string `yaml:"pi_username"`

	// ServiceName is the systemd unit restarted by "restart".
	ServiceName string `yaml:"service_name"`

	// RepoDir is the working directory for "git pull".
	RepoDir string `yaml:"repo_dir"`
}

// IlluminationConfig contains LED strip settings.
type IlluminationConfig struct {
	// Driver selects the strip implementation: "memory" or "terminal".
	Driver  string `yaml:"driver"`
	NumLEDs int    `yaml:"num_leds"`

	// StartupMode is the mode run before the first connection.
	StartupMode string `yaml:"startup_mode"`
}

// CameraConfig contains camera driver settings.
type CameraConfig struct {
	// Driver selects the camera implementation: "mock" or "command".
	Driver string `yaml:"driver"`

	// Command and Args are used by the "command" driver.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// HostConfig contains image acquisition host settings.
type HostConfig struct {
	CaptureDir string        `yaml:"capture_dir"`
	Interval   time.Duration `yaml:"interval"`
	Count      int           `yaml:"count"`
	FinalWait  time.Duration `yaml:"final_wait"`

	// CameraParams are sent to each named target with set_params every
	// time the host connects.
	CameraParams map[string]CameraParamsConfig `yaml:"camera_params"`
}

// CameraParamsConfig holds stored camera settings for one target.
// Nil fields are not sent.
type CameraParamsConfig struct {
	ROIZoom          *float64 `yaml:"roi_zoom"`
	ShutterSpeed     *float64 `yaml:"shutter_speed"`
	ISO              *int     `yaml:"iso"`
	ResolutionWidth  *int     `yaml:"resolution_width"`
	ResolutionHeight *int     `yaml:"resolution_height"`
	AWBGainRed       *float64 `yaml:"awb_gain_red"`
	AWBGainBlue      *float64 `yaml:"awb_gain_blue"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PICAMERA_SECTION_KEY
// For example: PICAMERA_MQTT_HOST, PICAMERA_CLIENT_NAME
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file is given on the command line.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
		},
		Client: ClientConfig{
			Name: "picamera",
		},
		Session: SessionConfig{
			KeepaliveInterval: 2 * time.Second,
			KeepaliveTimeout:  1 * time.Second,
			RetryInterval:     2 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/captures.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Deploy: DeployConfig{
			PiUsername:  "pi",
			ServiceName: "mqtt_imaging",
		},
		Illumination: IlluminationConfig{
			Driver:      "memory",
			NumLEDs:     8,
			StartupMode: "breathe",
		},
		Camera: CameraConfig{
			Driver:  "mock",
			Command: "libcamera-still",
			Width:   1640,
			Height:  1232,
		},
		Host: HostConfig{
			CaptureDir: "./data/captures",
			Interval:   15 * time.Second,
			Count:      5,
			FinalWait:  5 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PICAMERA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("PICAMERA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PICAMERA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PICAMERA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Client identity
	if v := os.Getenv("PICAMERA_CLIENT_NAME"); v != "" {
		cfg.Client.Name = v
	}
	if v := os.Getenv("PICAMERA_CLIENT_TARGETS"); v != "" {
		cfg.Client.Targets = splitList(v)
	}

	// Storage
	if v := os.Getenv("PICAMERA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PICAMERA_CAPTURE_DIR"); v != "" {
		cfg.Host.CaptureDir = v
	}

	// InfluxDB
	if v := os.Getenv("PICAMERA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// normalise fills fields that default from other fields.
func (c *Config) normalise() {
	if len(c.Client.Targets) == 0 && c.Client.Name != "" {
		c.Client.Targets = []string{c.Client.Name}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	// Names become topic levels, so they cannot contain separators or wildcards.
	if c.Client.Name == "" {
		errs = append(errs, "client.name is required")
	} else if !validTopicLevel(c.Client.Name) {
		errs = append(errs, "client.name must not contain '/', '+' or '#'")
	}
	for _, target := range c.Client.Targets {
		if !validTopicLevel(target) {
			errs = append(errs, fmt.Sprintf("client.targets entry %q is not a valid topic level", target))
		}
	}

	if c.Session.KeepaliveInterval <= 0 {
		errs = append(errs, "session.keepalive_interval must be positive")
	}
	if c.Session.KeepaliveTimeout <= 0 || c.Session.KeepaliveTimeout >= c.Session.KeepaliveInterval {
		errs = append(errs, "session.keepalive_timeout must be positive and shorter than keepalive_interval")
	}
	if c.Session.RetryInterval <= 0 {
		errs = append(errs, "session.retry_interval must be positive")
	}
	if c.Session.RetryMaxInterval != 0 && c.Session.RetryMaxInterval < c.Session.RetryInterval {
		errs = append(errs, "session.retry_max_interval must be zero or at least retry_interval")
	}

	for name, topic := range c.Topics {
		if !validTopicLevel(name) {
			errs = append(errs, fmt.Sprintf("topics.%s: name is not a valid topic level", name))
		}
		if topic.QoS != nil && (*topic.QoS < 0 || *topic.QoS > 2) {
			errs = append(errs, fmt.Sprintf("topics.%s.qos must be 0, 1, or 2", name))
		}
		switch topic.Namespace {
		case "", "global", "local", "target":
		default:
			errs = append(errs, fmt.Sprintf("topics.%s.namespace must be global, local or target", name))
		}
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Illumination.NumLEDs < 1 {
		errs = append(errs, "illumination.num_leds must be at least 1")
	}
	if c.Host.Count < 0 {
		errs = append(errs, "host.count must not be negative")
	}
	for target, p := range c.Host.CameraParams {
		if !slices.Contains(c.Client.Targets, target) {
			errs = append(errs, fmt.Sprintf("host.camera_params.%s is not one of client.targets", target))
		}
		if p.ROIZoom != nil && (*p.ROIZoom <= 0 || *p.ROIZoom > 1) {
			errs = append(errs, fmt.Sprintf("host.camera_params.%s.roi_zoom must be in (0, 1]", target))
		}
		if (p.ResolutionWidth == nil) != (p.ResolutionHeight == nil) {
			errs = append(errs, fmt.Sprintf("host.camera_params.%s needs both resolution_width and resolution_height", target))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validTopicLevel reports whether s can be used as a single MQTT topic level.
func validTopicLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}

// splitList splits a comma-separated environment value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
