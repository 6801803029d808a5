package retry

import (
	"sync"
	"testing"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker(3)

	for i := 1; i <= 2; i++ {
		b.RecordFailure("claude")
		if b.Open("claude") {
			t.Fatalf("circuit open after %d failures, threshold is 3", i)
		}
	}

	if got := b.RecordFailure("claude"); got != 3 {
		t.Errorf("RecordFailure() = %d, expected 3", got)
	}
	if !b.Open("claude") {
		t.Error("expected circuit open after reaching threshold")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := NewBreaker(3)

	b.RecordFailure("claude")
	b.RecordFailure("claude")
	b.RecordSuccess("claude")

	if got := b.Failures("claude"); got != 0 {
		t.Errorf("Failures() = %d after success, expected 0", got)
	}
	if b.Open("claude") {
		t.Error("circuit should close after a success")
	}

	// The count restarts from zero, not from where it left off.
	b.RecordFailure("claude")
	if b.Open("claude") {
		t.Error("one failure after reset should not open a threshold-3 circuit")
	}
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b := NewBreaker(2)

	b.RecordFailure("claude")
	b.RecordFailure("claude")
	b.RecordFailure("codex")

	if !b.Open("claude") {
		t.Error("expected claude circuit open")
	}
	if b.Open("codex") {
		t.Error("codex circuit should be unaffected by claude failures")
	}
	if b.Open("unknown") {
		t.Error("untouched key should report closed")
	}
}

func TestBreaker_DefaultThreshold(t *testing.T) {
	b := NewBreaker(0)

	if got := b.Threshold(); got != DefaultFailureThreshold {
		t.Fatalf("Threshold() = %d, expected %d", got, DefaultFailureThreshold)
	}

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("op")
	}
	if b.Open("op") {
		t.Error("circuit open one failure early")
	}
	b.RecordFailure("op")
	if !b.Open("op") {
		t.Error("expected circuit open at default threshold")
	}
}

func TestBreaker_ConcurrentRecording(t *testing.T) {
	b := NewBreaker(1000)
	const goroutines = 50
	const perGoroutine = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				b.RecordFailure("shared")
			}
		}()
	}
	wg.Wait()

	if got := b.Failures("shared"); got != goroutines*perGoroutine {
		t.Errorf("Failures() = %d, expected %d", got, goroutines*perGoroutine)
	}
}
