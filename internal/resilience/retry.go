package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
)

// connectionLostSubstrings mirrors spec.md §5/§7's "Lost connection" /
// "MySQL server has gone away"-class error matching, adapted to the
// Postgres equivalents pgx surfaces.
var connectionLostSubstrings = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"unexpected eof",
	"server closed the connection unexpectedly",
	"conn closed",
}

// IsConnectionLost reports whether err represents a dropped tenant-store
// connection that is safe to retry, as opposed to a semantic error (bad
// query, constraint violation) that should propagate immediately.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ierrors.ErrConnectionLost) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is "Connection Exception" in Postgres.
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, s := range connectionLostSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RetryConnectionLostAttempts is the fixed retry budget spec.md §5/§7
// mandates for tenant-store connection-lost errors.
const RetryConnectionLostAttempts = 3

// RetryConnectionLostSpacing is the fixed delay between attempts.
const RetryConnectionLostSpacing = time.Second

// RetryConnectionLost runs fn up to RetryConnectionLostAttempts times,
// sleeping RetryConnectionLostSpacing between attempts, but only when the
// failure looks like a dropped connection (IsConnectionLost). Any other
// error is returned immediately without retrying, per spec.md §5: "only for
// Lost connection-class errors; other errors propagate."
func RetryConnectionLost(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= RetryConnectionLostAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsConnectionLost(lastErr) {
			return lastErr
		}
		if attempt == RetryConnectionLostAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(RetryConnectionLostSpacing):
		}
	}
	return lastErr
}
