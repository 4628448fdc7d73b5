package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Errors that can occur during client operations
var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")

	// ErrTimeout indicates a request timed out
	ErrTimeout = errors.New("request timed out")

	// ErrReadOnly indicates the server session does not accept writes
	ErrReadOnly = errors.New("server is read-only")

	// ErrInvalidArgument indicates the server rejected the request
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable indicates the server could not be reached
	ErrUnavailable = errors.New("server unavailable")

	// ErrBusy indicates the server's write queue or space ran out
	ErrBusy = errors.New("server busy")
)

// IsRetryableError returns true if the error is considered transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// retry runs fn until it succeeds, fails permanently, or MaxRetries retries
// have been spent
func (c *Client) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.options.InitialBackoff
	b.MaxInterval = c.options.MaxBackoff
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if c.options.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(c.options.MaxRetries))
	}

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// convert turns a status error into one of the package errors, keeping the
// server message
func convert(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = ErrTimeout
	case codes.FailedPrecondition:
		kind = ErrReadOnly
	case codes.InvalidArgument:
		kind = ErrInvalidArgument
	case codes.Unavailable:
		kind = ErrUnavailable
	case codes.ResourceExhausted:
		kind = ErrBusy
	default:
		return err
	}
	return fmt.Errorf("%w: %s", kind, st.Message())
}
