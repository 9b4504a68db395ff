package fee

import (
	"errors"
	"math/rand"
	"testing"
)

func TestCalculateScenario(t *testing.T) {
	calc, err := NewCalculator(500)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}

	// 10 hours at $20.00/h with a 5% platform fee.
	got, err := calc.Calculate(10, 2000)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got.Amount != 20000 {
		t.Fatalf("expected amount 20000, got %d", got.Amount)
	}
	if got.PlatformFee != 1000 {
		t.Fatalf("expected platform fee 1000, got %d", got.PlatformFee)
	}
	if got.WorkerAmount != 19000 {
		t.Fatalf("expected worker amount 19000, got %d", got.WorkerAmount)
	}
}

func TestCalculateConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		bps := rng.Int63n(10001)
		calc, err := NewCalculator(bps)
		if err != nil {
			t.Fatalf("new calculator bps=%d: %v", bps, err)
		}
		hours := 1 + rng.Int63n(200)
		rate := 1 + rng.Int63n(100000)

		got, err := calc.Calculate(hours, rate)
		if err != nil {
			t.Fatalf("calculate hours=%d rate=%d: %v", hours, rate, err)
		}
		if got.Amount != got.PlatformFee+got.WorkerAmount {
			t.Fatalf("split does not reconcile: %+v", got)
		}
		if got.PlatformFee < 0 || got.WorkerAmount < 0 {
			t.Fatalf("negative split component: %+v", got)
		}
		if got.Amount != hours*rate {
			t.Fatalf("amount mismatch: %+v", got)
		}
	}
}

func TestCalculateRejectsBadInput(t *testing.T) {
	calc, _ := NewCalculator(500)

	if _, err := calc.Calculate(0, 2000); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("expected ErrInvalidHours, got %v", err)
	}
	if _, err := calc.Calculate(10, 0); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := calc.Calculate(MaxHours+1, 2000); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("expected ErrInvalidHours above bound, got %v", err)
	}
	if _, err := calc.Calculate(10, MaxHourlyRate+1); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate above bound, got %v", err)
	}
	if _, err := NewCalculator(10001); !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
}
