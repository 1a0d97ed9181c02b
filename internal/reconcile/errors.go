package reconcile

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Common errors returned by the Reconciler.
var (
	// ErrNilSnapshot is returned when the source reports success without a
	// snapshot.
	ErrNilSnapshot = errors.New("source returned no snapshot")
)

// IsTransient reports whether err looks like a temporary condition, such as
// the network being unreachable, a timeout, or a server-side failure.
//
// Errors may classify themselves by implementing Transient() bool.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var c interface{ Transient() bool }
	if errors.As(err, &c) {
		return c.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
