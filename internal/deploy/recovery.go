package deploy

import (
	"context"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/process"
)

// NetworkRecovery returns a session recovery hook that reloads systemd
// units and restarts the DHCP client.
func NetworkRecovery(runner Runner, logger Logger) mqtt.RecoveryHook {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(ctx context.Context, kind mqtt.ConnectErrorKind, cause error) error {
		logger.Info("restarting dhcpcd", "failure", kind.String(), "error", cause)
		for _, cmd := range []process.Command{
			systemctl("daemon-reload", "daemon-reload"),
			systemctl("restart-dhcpcd", "restart", "dhcpcd"),
		} {
			if _, err := runner.Run(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	}
}
