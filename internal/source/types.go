// Package source provides per-writer bookkeeping of named write targets and
// optional persistence of a session manifest.
package source

import (
	"time"

	"framestore/internal/storage"
)

// State is the lifecycle position of a source.
type State uint8

const (
	// StateRegistered: schema known, no sink has been prepared yet.
	StateRegistered State = iota
	// StatePrepared: a sink is live.
	StatePrepared
	// StateComplete: finalized.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StatePrepared:
		return "prepared"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// Record is a point-in-time snapshot of a source, as persisted in a manifest.
type Record struct {
	Info         storage.SourceInfo `json:"info" msgpack:"info"`
	Path         storage.PathInfo   `json:"path" msgpack:"path"`
	ResourceUID  string             `json:"resource_uid" msgpack:"resource_uid"`
	Written      int                `json:"written" msgpack:"written"`
	Reported     int                `json:"reported" msgpack:"reported"`
	ResourceSent bool               `json:"resource_sent" msgpack:"resource_sent"`
	Capacity     int                `json:"capacity" msgpack:"capacity"`
	State        State              `json:"state" msgpack:"state"`
	UpdatedAt    time.Time          `json:"updated_at" msgpack:"updated_at"`
}

// Store defines the persistence interface for source records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists a record, replacing any record with the same source name.
	// Called asynchronously by Registry.
	Save(rec Record) error

	// LoadAll retrieves all persisted records.
	LoadAll() ([]Record, error)
}
