package model

import "time"

// Mode selects the kind of observing session.
type Mode int

const (
	ModePhotometry Mode = iota
	ModeSpectroscopy
	ModeSingleImage
)

func (m Mode) String() string {
	switch m {
	case ModePhotometry:
		return "photometry"
	case ModeSpectroscopy:
		return "spectroscopy"
	case ModeSingleImage:
		return "single"
	default:
		return "unknown"
	}
}

// ParseMode maps a CLI/config spelling to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "photometry", "phot", "":
		return ModePhotometry, true
	case "spectroscopy", "spectro", "spec":
		return ModeSpectroscopy, true
	case "single", "single-image", "oneshot":
		return ModeSingleImage, true
	default:
		return ModePhotometry, false
	}
}

// Phase is the session lifecycle state. Exactly one phase is active at a time.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseWaitObservability
	PhaseAcquisition
	PhaseScience
	PhaseShutdown
	PhaseParked
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseWaitObservability:
		return "wait_observability"
	case PhaseAcquisition:
		return "acquisition"
	case PhaseScience:
		return "science"
	case PhaseShutdown:
		return "shutdown"
	case PhaseParked:
		return "parked"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further phase can follow p.
func (p Phase) Terminal() bool { return p == PhaseParked || p == PhaseAborted }

// CommandsAllowed reports whether slew/expose commands may be issued in p.
func (p Phase) CommandsAllowed() bool {
	return p != PhaseShutdown && p != PhaseParked && p != PhaseAborted
}

// SessionFlags are the boolean switches of an observing session.
type SessionFlags struct {
	IgnoreTwilight bool
	NoPark         bool
	DryRun         bool
}

// Frame describes one completed exposure.
type Frame struct {
	Name     string
	TargetID string
	Filter   string
	Exposure time.Duration
	Start    time.Time
	Phase    Phase
	Sequence int
}
