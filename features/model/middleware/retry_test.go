package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weaveline/loom/runtime/model"
)

func retryWrapper(maxAttempts int, sleeps *int) Wrapper {
	return WithRetry(RetryOptions{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		sleep: func(context.Context, time.Duration) error {
			if sleeps != nil {
				*sleeps++
			}
			return nil
		},
	})
}

func TestRetryRecoversFromTransient(t *testing.T) {
	client := &scriptedClient{errs: []error{model.ErrRateLimited, model.ErrRateLimited}}
	var sleeps int
	wrapped := retryWrapper(3, &sleeps)(client)

	resp, err := wrapped.Complete(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if resp == nil || resp.FinishReason != model.FinishStop {
		t.Fatalf("unexpected response %+v", resp)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", sleeps)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	client := &scriptedClient{errs: []error{
		model.ErrRateLimited, model.ErrRateLimited, model.ErrRateLimited, model.ErrRateLimited,
	}}
	wrapped := retryWrapper(3, nil)(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate limit error to surface, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", client.calls)
	}
}

func TestRetryDoesNotRetryOverload(t *testing.T) {
	client := &scriptedClient{errs: []error{model.ErrOverloaded}}
	wrapped := retryWrapper(3, nil)(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, model.ErrOverloaded) {
		t.Fatalf("expected overload to surface, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("overload must not be retried, got %d attempts", client.calls)
	}
}

func TestRetryDoesNotRetryCancellation(t *testing.T) {
	client := &scriptedClient{errs: []error{context.Canceled}}
	wrapped := retryWrapper(3, nil)(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("cancellation must not be retried, got %d attempts", client.calls)
	}
}

func TestRetryAbortsWhenSleepCanceled(t *testing.T) {
	client := &scriptedClient{errs: []error{model.ErrRateLimited, model.ErrRateLimited}}
	wrapped := WithRetry(RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		sleep: func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		},
	})(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected no attempt after canceled sleep, got %d", client.calls)
	}
}

func TestRetryStreamDial(t *testing.T) {
	client := &scriptedClient{errs: []error{model.ErrRateLimited}}
	wrapped := retryWrapper(3, nil)(client)

	st, err := wrapped.Stream(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("expected dial retry to recover, got %v", err)
	}
	if st == nil {
		t.Fatal("expected a streamer")
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 dial attempts, got %d", client.calls)
	}
}
