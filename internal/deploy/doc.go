// Package deploy carries out deployment commands received on the
// deployment topic: reboot, shutdown, service restart, repository update
// and stop.
//
// System actions shell out to systemctl, sudo and git through the process
// runner and only run when deploy.enabled is set. "stop" ends the client
// regardless.
//
// The package also provides the network recovery hook used by the MQTT
// session after DNS or network failures.
package deploy
