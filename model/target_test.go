package model

import "testing"

func TestFingerprintRoundsToGrid(t *testing.T) {
	a := FingerprintFor(150.00001, -20.00002)
	b := FingerprintFor(150.00004, -19.99998)
	if a != b {
		t.Fatalf("fingerprints differ: %q vs %q", a, b)
	}
	if c := FingerprintFor(150.001, -20.0); c == a {
		t.Fatalf("FingerprintFor(150.001) = %q, want distinct from %q", c, a)
	}
}

func TestFingerprintNegativeZero(t *testing.T) {
	if got, want := FingerprintFor(0, -0.00001), FingerprintFor(0, 0); got != want {
		t.Fatalf("FingerprintFor(0, -0.00001) = %q, want %q", got, want)
	}
}

func TestPhaseCommandsAllowed(t *testing.T) {
	for _, p := range []Phase{PhaseShutdown, PhaseParked, PhaseAborted} {
		if p.CommandsAllowed() {
			t.Fatalf("%s.CommandsAllowed() = true, want false", p)
		}
	}
	for _, p := range []Phase{PhaseInit, PhaseWaitObservability, PhaseAcquisition, PhaseScience} {
		if !p.CommandsAllowed() {
			t.Fatalf("%s.CommandsAllowed() = false, want true", p)
		}
	}
}
