// Package txn wraps database work in transactions with transient-error
// retry and runs multi-step distributed operations with best-effort
// compensation.
package txn

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/lib/pq"
)

// Kind classifies an operation failure. Classification is by driver error
// code, never by message text.
type Kind int

const (
	// KindUnknown covers everything not recognized below. Not retried.
	KindUnknown Kind = iota
	// KindSerialization is a serialization failure (SQLSTATE 40001).
	KindSerialization
	// KindDeadlock is a deadlock abort (SQLSTATE 40P01).
	KindDeadlock
	// KindConnection is a connection-class failure (SQLSTATE 08xxx or a
	// dropped driver connection).
	KindConnection
	// KindTimeout is a context deadline or network timeout.
	KindTimeout
	// KindConstraint is an integrity violation (SQLSTATE 23xxx). Retrying
	// cannot help.
	KindConstraint
)

func (k Kind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindDeadlock:
		return "deadlock"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindConstraint:
		return "constraint"
	default:
		return "unknown"
	}
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "40001":
			return KindSerialization
		case code == "40P01":
			return KindDeadlock
		case code == "57014":
			// query_canceled, raised when a statement timeout fires.
			return KindTimeout
		case strings.HasPrefix(code, "08"):
			return KindConnection
		case strings.HasPrefix(code, "23"):
			return KindConstraint
		}
		return KindUnknown
	}
	if errors.Is(err, driver.ErrBadConn) {
		return KindConnection
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusRequestTimeout:
			return KindTimeout
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return KindConnection
		}
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether retrying the operation may succeed.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindSerialization, KindDeadlock, KindConnection, KindTimeout:
		return true
	}
	return false
}
