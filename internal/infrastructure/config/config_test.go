package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
mqtt:
  broker:
    host: "broker.local"
    port: 8883
    tls: true
client:
  name: "host"
  targets: ["camera-1", "camera-2"]
session:
  keepalive_interval: "4s"
  keepalive_timeout: "1500ms"
  retry_interval: "1s"
  retry_max_interval: "30s"
topics:
  imaging:
    qos: 1
    namespace: "local"
    subscribe: true
host:
  capture_dir: "/tmp/captures"
  interval: "10s"
  count: 3
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if got := cfg.Client.Targets; len(got) != 2 || got[0] != "camera-1" || got[1] != "camera-2" {
		t.Errorf("Client.Targets = %v, want [camera-1 camera-2]", got)
	}
	if cfg.Session.KeepaliveTimeout != 1500*time.Millisecond {
		t.Errorf("Session.KeepaliveTimeout = %v, want 1.5s", cfg.Session.KeepaliveTimeout)
	}
	if cfg.Session.RetryMaxInterval != 30*time.Second {
		t.Errorf("Session.RetryMaxInterval = %v, want 30s", cfg.Session.RetryMaxInterval)
	}

	imaging, ok := cfg.Topics["imaging"]
	if !ok {
		t.Fatal("Topics[imaging] missing")
	}
	if imaging.QoS == nil || *imaging.QoS != 1 {
		t.Errorf("Topics[imaging].QoS = %v, want 1", imaging.QoS)
	}
	if imaging.Log != nil {
		t.Errorf("Topics[imaging].Log = %v, want nil (role default)", *imaging.Log)
	}

	if cfg.Host.Interval != 10*time.Second || cfg.Host.Count != 3 {
		t.Errorf("Host = %+v, want interval 10s count 3", cfg.Host)
	}
	// Unset sections keep defaults.
	if cfg.Illumination.NumLEDs != 8 {
		t.Errorf("Illumination.NumLEDs = %d, want default 8", cfg.Illumination.NumLEDs)
	}
}

func TestLoad_TargetsDefaultToClientName(t *testing.T) {
	cfg, err := Load(writeConfig(t, "client:\n  name: camera-7\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Client.Targets) != 1 || cfg.Client.Targets[0] != "camera-7" {
		t.Errorf("Client.Targets = %v, want [camera-7]", cfg.Client.Targets)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
client:
  name: "bad/name"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	qos := func(v int) *int { return &v }

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty client name",
			modify:  func(c *Config) { c.Client.Name = "" },
			wantErr: true,
		},
		{
			name:    "wildcard in target",
			modify:  func(c *Config) { c.Client.Targets = []string{"cam+"} },
			wantErr: true,
		},
		{
			name:    "invalid broker port",
			modify:  func(c *Config) { c.MQTT.Broker.Port = 0 },
			wantErr: true,
		},
		{
			name: "keepalive timeout not shorter than interval",
			modify: func(c *Config) {
				c.Session.KeepaliveInterval = time.Second
				c.Session.KeepaliveTimeout = time.Second
			},
			wantErr: true,
		},
		{
			name:    "zero retry interval",
			modify:  func(c *Config) { c.Session.RetryInterval = 0 },
			wantErr: true,
		},
		{
			name: "max retry below retry interval",
			modify: func(c *Config) {
				c.Session.RetryInterval = 5 * time.Second
				c.Session.RetryMaxInterval = time.Second
			},
			wantErr: true,
		},
		{
			name: "topic qos out of range",
			modify: func(c *Config) {
				c.Topics = map[string]TopicConfig{"control": {QoS: qos(3)}}
			},
			wantErr: true,
		},
		{
			name: "unknown topic namespace",
			modify: func(c *Config) {
				c.Topics = map[string]TopicConfig{"control": {Namespace: "everywhere"}}
			},
			wantErr: true,
		},
		{
			name:    "influxdb enabled without url",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name:    "no leds",
			modify:  func(c *Config) { c.Illumination.NumLEDs = 0 },
			wantErr: true,
		},
		{
			name: "camera params for target",
			modify: func(c *Config) {
				c.Client.Targets = []string{"cam1"}
				c.Host.CameraParams = map[string]CameraParamsConfig{"cam1": {ISO: qos(400)}}
			},
			wantErr: false,
		},
		{
			name: "camera params for unknown target",
			modify: func(c *Config) {
				c.Host.CameraParams = map[string]CameraParamsConfig{"cam9": {ISO: qos(400)}}
			},
			wantErr: true,
		},
		{
			name: "camera params half resolution",
			modify: func(c *Config) {
				c.Client.Targets = []string{"cam1"}
				c.Host.CameraParams = map[string]CameraParamsConfig{"cam1": {ResolutionWidth: qos(640)}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.normalise()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("PICAMERA_MQTT_HOST", "mqtt.example.com")
	t.Setenv("PICAMERA_MQTT_USERNAME", "testuser")
	t.Setenv("PICAMERA_MQTT_PASSWORD", "testpass")
	t.Setenv("PICAMERA_CLIENT_NAME", "camera-3")
	t.Setenv("PICAMERA_CLIENT_TARGETS", "camera-1, camera-2,,")
	t.Setenv("PICAMERA_DATABASE_PATH", "/custom/path.db")
	t.Setenv("PICAMERA_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v, want testuser/testpass", cfg.MQTT.Auth)
	}
	if cfg.Client.Name != "camera-3" {
		t.Errorf("Client.Name = %q, want %q", cfg.Client.Name, "camera-3")
	}
	if len(cfg.Client.Targets) != 2 || cfg.Client.Targets[1] != "camera-2" {
		t.Errorf("Client.Targets = %v, want [camera-1 camera-2]", cfg.Client.Targets)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("PICAMERA_CLIENT_NAME", "illuminator-1")

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Session.KeepaliveInterval != 2*time.Second || cfg.Session.KeepaliveTimeout != time.Second {
		t.Errorf("Session keepalive = %v/%v, want 2s/1s",
			cfg.Session.KeepaliveInterval, cfg.Session.KeepaliveTimeout)
	}
	if len(cfg.Client.Targets) != 1 || cfg.Client.Targets[0] != "illuminator-1" {
		t.Errorf("Client.Targets = %v, want [illuminator-1]", cfg.Client.Targets)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load("../../../configs/config.example.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.Name != "host" || len(cfg.Client.Targets) != 2 {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if cfg.Session.KeepaliveInterval != 2*time.Second || cfg.Host.Interval != 15*time.Second {
		t.Errorf("durations not parsed: session=%+v host=%+v", cfg.Session, cfg.Host)
	}
	if q := cfg.Topics["imaging"].QoS; q == nil || *q != 2 {
		t.Errorf("topics.imaging.qos = %v", q)
	}
	p, ok := cfg.Host.CameraParams["camera-1"]
	if !ok || p.ISO == nil || *p.ISO != 400 || p.ROIZoom == nil || *p.ROIZoom != 0.5 {
		t.Errorf("host.camera_params.camera-1 = %+v", p)
	}
	if p.ShutterSpeed != nil {
		t.Errorf("unset shutter_speed decoded as %v", *p.ShutterSpeed)
	}
}
