package archive

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Classify maps a transport error onto a failure kind. Deadlines win over
// connection errors, so a dial that runs out of time reports a timeout.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimedOut
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnectionFailed
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionFailed
	}
	return KindUnclassified
}
