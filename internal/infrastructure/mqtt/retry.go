package mqtt

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

// ConnectErrorKind classifies a failed connection attempt.
type ConnectErrorKind int

const (
	// ConnectErrorOther is any failure not classified below (e.g. a broker
	// rejecting the CONNECT packet).
	ConnectErrorOther ConnectErrorKind = iota

	// ConnectErrorDNS means the broker host name could not be resolved.
	ConnectErrorDNS

	// ConnectErrorRefused means nothing accepted the TCP connection.
	ConnectErrorRefused

	// ConnectErrorTimeout means the attempt did not complete in time.
	ConnectErrorTimeout

	// ConnectErrorNetwork is any other OS-level network failure, such as an
	// unreachable network or a missing interface address.
	ConnectErrorNetwork
)

// String returns a readable name for logs.
func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectErrorDNS:
		return "dns"
	case ConnectErrorRefused:
		return "refused"
	case ConnectErrorTimeout:
		return "timeout"
	case ConnectErrorNetwork:
		return "network"
	default:
		return "other"
	}
}

// NeedsRecovery reports whether the failure points at the local network
// rather than the broker, so a recovery action is worth trying first.
func (k ConnectErrorKind) NeedsRecovery() bool {
	return k == ConnectErrorDNS || k == ConnectErrorNetwork
}

// ClassifyConnectError maps a connection error to a ConnectErrorKind.
func ClassifyConnectError(err error) ConnectErrorKind {
	if err == nil {
		return ConnectErrorOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ConnectErrorDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectErrorRefused
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ConnectErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectErrorTimeout
	}

	var opErr *net.OpError
	var sysErr *os.SyscallError
	var errno syscall.Errno
	if errors.As(err, &opErr) || errors.As(err, &sysErr) || errors.As(err, &errno) {
		return ConnectErrorNetwork
	}

	return ConnectErrorOther
}

// RecoveryHook runs a local recovery action (for example restarting the
// DHCP client) after a DNS or network failure and before the next attempt.
// Its error is logged and otherwise ignored.
type RecoveryHook func(ctx context.Context, kind ConnectErrorKind, err error) error

// backoff yields the wait between connection attempts.
//
// With max <= initial the wait is fixed. Otherwise it doubles after each
// failure up to max, and Reset returns it to initial.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, next: initial}
}

// Next returns the wait before the next attempt.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.max > b.initial {
		b.next *= 2
		if b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// Reset is called after a successful connection.
func (b *backoff) Reset() {
	b.next = b.initial
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
