package protocol

import (
	"strings"
)

// DeployAction is a deployment command received on the deployment topic.
type DeployAction string

// Deployment actions. Each is sent as a bare string payload.
const (
	DeployReboot   DeployAction = "reboot"
	DeployShutdown DeployAction = "shutdown"
	DeployRestart  DeployAction = "restart"
	DeployUpdate   DeployAction = "git pull"
	DeployStop     DeployAction = "stop"
)

// ParseDeployAction maps a deployment payload to an action.
// Surrounding whitespace and quotes are ignored so that both "reboot" and
// the JSON string "\"reboot\"" are accepted.
func ParseDeployAction(payload []byte) (DeployAction, error) {
	s := strings.TrimSpace(string(payload))
	s = strings.Trim(s, `"`)

	switch action := DeployAction(strings.ToLower(s)); action {
	case DeployReboot, DeployShutdown, DeployRestart, DeployUpdate, DeployStop:
		return action, nil
	default:
		return "", newDecodeError(ErrUnknownAction, payload, s, nil)
	}
}
