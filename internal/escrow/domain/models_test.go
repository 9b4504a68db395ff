package domain

import "testing"

var allStates = []PaymentState{
	StatePending, StateHeld, StateReleased,
	StateRefunded, StateFailed, StateDisputed,
}

func TestCanTransitionFullTable(t *testing.T) {
	allowed := map[PaymentState][]PaymentState{
		StatePending:  {StateHeld, StateFailed},
		StateHeld:     {StateReleased, StateDisputed, StateRefunded},
		StateDisputed: {StateReleased, StateRefunded, StateHeld},
		StateReleased: {StateRefunded},
		StateRefunded: {},
		StateFailed:   {},
	}

	for _, from := range allStates {
		want := map[PaymentState]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range allStates {
			if got := CanTransition(from, to); got != want[to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestCanTransitionUnknownState(t *testing.T) {
	if CanTransition("bogus", StateHeld) {
		t.Error("transition out of unknown state allowed")
	}
	if CanTransition(StateHeld, "bogus") {
		t.Error("transition into unknown state allowed")
	}
}

func TestLive(t *testing.T) {
	for _, state := range allStates {
		want := state != StateFailed
		if got := state.Live(); got != want {
			t.Errorf("%s.Live() = %v, want %v", state, got, want)
		}
	}
}

func TestRemainingAmount(t *testing.T) {
	p := &Payment{Amount: 20000, RefundedAmount: 5000}
	if got := p.RemainingAmount(); got != 15000 {
		t.Fatalf("remaining = %d, want 15000", got)
	}
}
