package retry

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/afbjorklund/recc/auth"
)

// fakeClock makes the backoff sleep instant, so retry tests don't wait on
// real wall-clock time.
func fakeClock(ctx context.Context) context.Context {
	return context.WithValue(ctx, TimeAfterContextKey, func(time.Duration) <-chan time.Time {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	})
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(fakeClock(context.Background()), auth.NewNone(), TransientOnly, Policy{Limit: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(fakeClock(context.Background()), auth.NewNone(), TransientOnly, Policy{Limit: 3}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsRetryLimit(t *testing.T) {
	calls := 0
	err := Do(fakeClock(context.Background()), auth.NewNone(), TransientOnly, Policy{Limit: 2}, func(ctx context.Context) error {
		calls++
		return status.Error(codes.Unavailable, "unavailable")
	})
	if err == nil {
		t.Fatalf("Do succeeded, want error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestDoZeroLimitMeansOneAttempt(t *testing.T) {
	calls := 0
	err := Do(fakeClock(context.Background()), auth.NewNone(), TransientOnly, Policy{}, func(ctx context.Context) error {
		calls++
		return status.Error(codes.Unavailable, "unavailable")
	})
	if err == nil {
		t.Fatalf("Do succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoDoesNotRetryNonTransient(t *testing.T) {
	calls := 0
	err := Do(fakeClock(context.Background()), auth.NewNone(), TransientOnly, Policy{Limit: 5}, func(ctx context.Context) error {
		calls++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	if err == nil {
		t.Fatalf("Do succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-transient errors are not retried)", calls)
	}
}

func TestDoRefreshesOnceOnUnauthenticated(t *testing.T) {
	source := &countingTokenSource{}
	a := auth.NewToken(source)

	calls := 0
	err := Do(fakeClock(context.Background()), a, TransientOnly, Policy{Limit: 1}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return status.Error(codes.Unauthenticated, "expired")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one failed, one after refresh)", calls)
	}
	if source.calls != 1 {
		t.Errorf("token source called %d times, want 1 refresh", source.calls)
	}
}

func TestDoRefreshIsOneShot(t *testing.T) {
	source := &countingTokenSource{}
	a := auth.NewToken(source)

	calls := 0
	err := Do(fakeClock(context.Background()), a, TransientOnly, Policy{Limit: 1}, func(ctx context.Context) error {
		calls++
		return status.Error(codes.Unauthenticated, "still expired")
	})
	if err == nil {
		t.Fatalf("Do succeeded, want error")
	}
	// UNAUTHENTICATED is not in TransientOnly's retryable set, so once the
	// one free refresh is spent the second failure is returned immediately.
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (pre-refresh attempt + post-refresh attempt)", calls)
	}
	if source.calls != 1 {
		t.Errorf("token source called %d times, want 1", source.calls)
	}
}

type countingTokenSource struct {
	calls int
}

func (s *countingTokenSource) Token() (*oauth2.Token, error) {
	s.calls++
	return &oauth2.Token{AccessToken: "t"}, nil
}
