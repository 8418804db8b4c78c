package main

import (
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// Role default bindings. Config topics entries are merged over these with
// mqtt.ApplyOverrides.
//
// Devices listen under their own name and publish under it. Commanders
// address one target at a time and listen under every target's name.

func illuminatorBindings() []mqtt.Binding {
	return []mqtt.Binding{
		{Name: protocol.TopicIllumination, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
		{Name: protocol.TopicDeployment, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
	}
}

func cameraBindings() []mqtt.Binding {
	return []mqtt.Binding{
		{Name: protocol.TopicControl, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
		{Name: protocol.TopicDeployment, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
		{Name: protocol.TopicImaging, QoS: 2, Namespace: mqtt.PerClientLocal},
		{Name: protocol.TopicParams, QoS: 2, Namespace: mqtt.PerClientLocal},
	}
}

func hostBindings() []mqtt.Binding {
	return []mqtt.Binding{
		{Name: protocol.TopicControl, QoS: 2, Namespace: mqtt.PerTarget},
		{Name: protocol.TopicDeployment, QoS: 2, Namespace: mqtt.PerTarget},
		{Name: protocol.TopicImaging, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true},
		{Name: protocol.TopicParams, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
	}
}

func senderBindings() []mqtt.Binding {
	return []mqtt.Binding{
		{Name: protocol.TopicControl, QoS: 2, Namespace: mqtt.PerTarget},
		{Name: protocol.TopicDeployment, QoS: 2, Namespace: mqtt.PerTarget},
		{Name: protocol.TopicIllumination, QoS: 2, Namespace: mqtt.PerTarget},
	}
}
