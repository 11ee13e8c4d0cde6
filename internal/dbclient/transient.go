package dbclient

import (
	"context"
	"errors"
	"io"
	"net"
)

// IsTransient reports whether an error is worth retrying: engine-level
// deadlock/timeout/throttle codes for any of the three families, or a
// network-level interruption. Context cancellation is never transient — a
// cancelled run must stop, not retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isSQLServerTransient(err) || isMySQLTransient(err) || isPostgresTransient(err) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
