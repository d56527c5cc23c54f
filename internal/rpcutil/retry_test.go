package rpcutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "rate limited", err: errors.New("429 Too Many Requests"), want: true},
		{name: "node 503", err: errors.New("rpc call getTransaction() on https://node: 503 Service Unavailable"), want: true},
		{name: "node behind", err: errors.New("Node is behind by 42 slots"), want: true},
		{name: "net timeout", err: fmt.Errorf("get transaction: %w", timeoutErr{}), want: true},
		{name: "breaker open", err: fmt.Errorf("chain_rpc: %w", gobreaker.ErrOpenState), want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "not found", err: errors.New("not found"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for attempt, w := range want {
		if got := p.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestDo(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond}

	t.Run("recovers from transient error", func(t *testing.T) {
		calls := 0
		got, err := Do(context.Background(), p, func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection reset by peer")
			}
			return "receipt", nil
		})
		if err != nil || got != "receipt" || calls != 3 {
			t.Fatalf("got %q, %v after %d calls", got, err, calls)
		}
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), p, func() (int, error) {
			calls++
			return 0, errors.New("invalid signature")
		})
		if err == nil || calls != 1 {
			t.Fatalf("err = %v, calls = %d; want error after 1 call", err, calls)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), p, func() (int, error) {
			calls++
			return 0, errors.New("timeout")
		})
		if err == nil || calls != p.Attempts {
			t.Fatalf("err = %v, calls = %d, want %d calls", err, calls, p.Attempts)
		}
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		calls := 0
		_, _ = Do(context.Background(), Policy{}, func() (int, error) {
			calls++
			return 0, errors.New("timeout")
		})
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("stops when context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, func() (int, error) {
			calls++
			cancel()
			return 0, errors.New("503 Service Unavailable")
		})
		if err == nil || calls != 1 {
			t.Fatalf("err = %v, calls = %d; want stop after 1 call", err, calls)
		}
	})
}
