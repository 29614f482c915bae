package chain

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
)

// RetryPolicy bounds retries of idempotent calls.
type RetryPolicy struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryPolicy retries three times starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Transient reports whether err is worth retrying: timeouts, dropped
// connections, rate limiting and JSON-RPC server errors. Reverts and bad
// arguments are not.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		// -32000 is what anvil uses for reverts.
		return code == -32603 || code == -32005 || (code < -32000 && code >= -32099)
	}

	lower := strings.ToLower(err.Error())
	for _, token := range terminalTokens {
		if strings.Contains(lower, token) {
			return false
		}
	}
	for _, token := range transientTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
}

var terminalTokens = []string{
	"execution reverted",
	"insufficient funds",
	"invalid argument",
	"invalid params",
	"method not found",
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted.
func retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
