// Package process runs short-lived external commands on behalf of the
// device roles: the still-capture binary on a camera, systemctl and git for
// deployment actions, and the network service restart used to recover from
// DNS failures.
//
// Each command runs in its own process group. When the caller's context is
// cancelled the whole group receives SIGTERM, then SIGKILL once the graceful
// timeout expires, so helper processes spawned by shell scripts do not
// outlive the request.
//
// Example usage:
//
//	r := process.NewRunner()
//	res, err := r.Run(ctx, process.Command{
//	    Name:   "restart",
//	    Binary: "sudo",
//	    Args:   []string{"systemctl", "restart", "picamera"},
//	})
package process
