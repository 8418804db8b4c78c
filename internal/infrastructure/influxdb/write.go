package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementConnection = "mqtt_connection"
	measurementKeepalive  = "mqtt_keepalive"
	measurementCapture    = "captures"
	measurementRequest    = "image_requests"
)

// RecordConnectionState records a session state transition.
func (c *Client) RecordConnectionState(client, state string) {
	c.writePoint(measurementConnection,
		map[string]string{"client": client},
		map[string]any{
			"state":     state,
			"connected": state == "connected",
		},
		time.Now(),
	)
}

// RecordKeepalive records the round trip of a confirmed keepalive ping.
func (c *Client) RecordKeepalive(client string, rtt time.Duration) {
	c.writePoint(measurementKeepalive,
		map[string]string{"client": client},
		map[string]any{"rtt_ms": float64(rtt) / float64(time.Millisecond)},
		time.Now(),
	)
}

// RecordImageRequest records an acquire_image command sent to target.
func (c *Client) RecordImageRequest(target string, imageID uint64) {
	c.writePoint(measurementRequest,
		map[string]string{"target": target},
		map[string]any{"image_id": int64(imageID)},
		time.Now(),
	)
}

// RecordCapture records an image received from target. latency is the time
// from command to receipt, zero when unknown.
func (c *Client) RecordCapture(target, format string, imageID uint64, sizeBytes int, latency time.Duration, receivedAt time.Time) {
	fields := map[string]any{
		"image_id":   int64(imageID),
		"size_bytes": sizeBytes,
	}
	if latency > 0 {
		fields["latency_ms"] = float64(latency) / float64(time.Millisecond)
	}
	c.writePoint(measurementCapture,
		map[string]string{"target": target, "format": format},
		fields,
		receivedAt,
	)
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(measurement, tags, fields, time.Now())
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
