// Package influxdb records device telemetry in InfluxDB.
//
// It wraps the influxdb-client-go v2 non-blocking write API. The Client
// implements the mqtt session's Metrics interface (connection state changes
// and keepalive round trips) and records image captures received by an
// acquisition host.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	session, err := mqtt.NewSession(mqtt.Options{Metrics: client, ...})
//
// Writes are batched according to batch_size and flush_interval. Write
// failures are delivered asynchronously to the SetOnError callback.
package influxdb
