package model

import "time"

// RecordStatus tracks a MirrorRecord through the replication engine.
type RecordStatus int

const (
	RecordNew RecordStatus = iota
	RecordValidated
	RecordImaging
	RecordFailed
	RecordCached
)

func (s RecordStatus) String() string {
	switch s {
	case RecordNew:
		return "new"
	case RecordValidated:
		return "validated"
	case RecordImaging:
		return "imaging"
	case RecordFailed:
		return "failed"
	case RecordCached:
		return "cached"
	default:
		return "unknown"
	}
}

// MirrorRecord is one target announcement from the remote telescope.
type MirrorRecord struct {
	Timestamp time.Time
	RADeg     float64
	DecDeg    float64
	Status    RecordStatus
	Source    string
}

// Fingerprint identifies the announced position.
func (r MirrorRecord) Fingerprint() string { return FingerprintFor(r.RADeg, r.DecDeg) }
