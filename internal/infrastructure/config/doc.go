// Package config handles loading and validating picamera-mqtt client configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// One file configures one device role (illuminator, camera or host). The
// broker address, credentials, client identity and per-topic QoS/namespace
// overrides all live here, so no package reads globals at runtime.
//
// Security Considerations:
//   - Broker credentials should be set via PICAMERA_MQTT_USERNAME and
//     PICAMERA_MQTT_PASSWORD rather than committed to the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/camera.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Client.Name)
package config
