package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/taskforge/taskforge/core"
)

func TestShouldRetryEligibility(t *testing.T) {
	cases := []struct {
		name string
		exec core.TaskExecution
		want bool
	}{
		{"failed with budget", core.TaskExecution{Status: core.ExecutionFailed, RetryStrategy: core.RetryFixedDelay, MaxRetries: 3, RetryCount: 1}, true},
		{"timeout with budget", core.TaskExecution{Status: core.ExecutionTimeout, RetryStrategy: core.RetryImmediate, MaxRetries: 1}, true},
		{"strategy none", core.TaskExecution{Status: core.ExecutionFailed, RetryStrategy: core.RetryNone, MaxRetries: 3}, false},
		{"budget exhausted", core.TaskExecution{Status: core.ExecutionFailed, RetryStrategy: core.RetryFixedDelay, MaxRetries: 2, RetryCount: 2}, false},
		{"not a failure state", core.TaskExecution{Status: core.ExecutionRunning, RetryStrategy: core.RetryFixedDelay, MaxRetries: 2}, false},
	}

	for _, tc := range cases {
		if got := shouldRetry(&tc.exec); got != tc.want {
			t.Errorf("%s: shouldRetry = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNextDelayFormulas(t *testing.T) {
	rc := &retryController{jitter: rand.New(rand.NewSource(1))}

	if d := rc.nextDelay(core.RetryImmediate, 5, 1); d != 0 {
		t.Errorf("immediate delay = %v, want 0", d)
	}
	if d := rc.nextDelay(core.RetryFixedDelay, 5, 3); d != 5*time.Second {
		t.Errorf("fixed delay = %v, want 5s", d)
	}

	// Exponential: delay * 2^(n-1) plus up to one second of jitter.
	for n, base := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		d := rc.nextDelay(core.RetryExponentialBackoff, 2, n)
		if d < base || d >= base+time.Second {
			t.Errorf("exponential attempt %d: delay = %v, want [%v, %v)", n, d, base, base+time.Second)
		}
	}

	// Fibonacci: delay * F(n) with F(1)=F(2)=1.
	for n, want := range map[int]time.Duration{1: 2 * time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 6 * time.Second, 5: 10 * time.Second} {
		if d := rc.nextDelay(core.RetryFibonacciBackoff, 2, n); d != want {
			t.Errorf("fibonacci attempt %d: delay = %v, want %v", n, d, want)
		}
	}
}

func TestFibonacci(t *testing.T) {
	want := map[int]int{1: 1, 2: 1, 3: 2, 4: 3, 5: 5, 6: 8, 7: 13}
	for n, expected := range want {
		if got := fibonacci(n); got != expected {
			t.Errorf("fibonacci(%d) = %d, want %d", n, got, expected)
		}
	}
}
