// Package retry implements the gRPC retry engine: a pure-exponential backoff
// state machine with a single free credential refresh on UNAUTHENTICATED.
package retry

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/afbjorklund/recc/auth"
)

// Policy describes the retry budget for a call.
type Policy struct {
	BaseDelay time.Duration
	Limit     uint // 0 means one attempt, no retries
}

// ShouldRetry decides whether a failed attempt is worth retrying at all,
// distinct from the one-shot UNAUTHENTICATED refresh which always applies.
type ShouldRetry func(error) bool

// TransientOnly retries RPC timeouts and the usual set of transient gRPC
// codes; it does not retry on context cancellation.
func TransientOnly(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Canceled, codes.Unknown, codes.DeadlineExceeded, codes.Aborted,
		codes.Internal, codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// timeAfterContextKey lets tests mock out the backoff sleep, as the teacher
// SDK's retry package does.
type timeAfterContextKey struct{}

// TimeAfterContextKey is the context key tests use to inject a fake clock.
var TimeAfterContextKey = timeAfterContextKey{}

// Do runs f under the retry state machine described in spec §4.4: a fresh
// attempt is issued, UNAUTHENTICATED gets exactly one free credential
// refresh before counting against the attempt budget, and all other
// failures consume the exponential backoff schedule until the limit is
// exhausted.
func Do(ctx context.Context, a *auth.Auth, shouldRetry ShouldRetry, p Policy, f func(ctx context.Context) error) error {
	timeAfter, ok := ctx.Value(TimeAfterContextKey).(func(time.Duration) <-chan time.Time)
	if !ok {
		timeAfter = time.After
	}

	refreshed := false
	for attempt := uint(0); ; attempt++ {
		attemptCtx, cancel := context.WithCancel(ctx)
		err := f(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		if !refreshed && status.Code(err) == codes.Unauthenticated {
			refreshed = true
			if rerr := a.Refresh(); rerr != nil {
				log.Errorf("credential refresh after UNAUTHENTICATED failed: %v", rerr)
			}
			attempt--
			continue
		}

		if !shouldRetry(err) {
			return err
		}

		if attempt >= p.Limit {
			return errors.Wrapf(lastError(err), "Retry limit exceeded. Last gRPC error was")
		}

		delay := p.BaseDelay * time.Duration(uint64(1)<<attempt)
		log.V(1).Infof("attempt %d failed with %v, retrying in %v", attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeAfter(delay):
		}
	}
}

func lastError(err error) error {
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", s.Code(), s.Message())
	}
	return err
}
