package store

import (
	"errors"
	"fmt"

	"github.com/lowaak/treadmill-bridge/internal/session"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrNoRemote = errors.New("no remote store configured")
)

// SyncError reports a record that could not be pushed to the remote store.
// The record stays flagged and is retried by the next reconciliation pass.
type SyncError struct {
	ID  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.ID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Record is a persisted session summary
type Record struct {
	ID          string             `json:"id"`
	Kind        session.RecordKind `json:"kind"`
	DateTime    string             `json:"datetime"`
	Km          int                `json:"km"`
	ElapsedS    int                `json:"elapsed"`
	AvgSpeedKmh float64            `json:"avg_speed"`
	AvgBpm      float64            `json:"avg_bpm"`
	EnergyKcal  int                `json:"kcal"`
	NeedsSync   bool               `json:"needs_sync"`
}

// FromSummary converts an aggregator record into its stored form, flagged for sync
func FromSummary(rec session.SummaryRecord) Record {
	return Record{
		ID:          rec.ID,
		Kind:        rec.Kind,
		DateTime:    rec.DateTimeText(),
		Km:          rec.Km,
		ElapsedS:    rec.ElapsedS,
		AvgSpeedKmh: rec.AvgSpeedKmh,
		AvgBpm:      rec.AvgBpm,
		EnergyKcal:  rec.EnergyKcal,
		NeedsSync:   true,
	}
}
