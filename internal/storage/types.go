package storage

import (
	"errors"
	"time"
)

// Config controls the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

var (
	// ErrSlotTaken is returned when a slot reservation raced with another
	// writer and the slot is no longer free.
	ErrSlotTaken = errors.New("storage: slot already taken")

	// ErrPlanConflict is returned when a plan capacity update lost the
	// optimistic version check and must be retried from a fresh read.
	ErrPlanConflict = errors.New("storage: plan version conflict")
)

// Plan is a single (mode, day) auction plan with its slot grid.
//
// Version 0 means the plan row does not exist yet; OpenSlot will create it.
type Plan struct {
	ID           string
	Mode         string
	Day          string // "2006-01-02"
	EndTime      string // "15:04:05", end of the last opened slot
	StreamsCount int
	Version      int64

	Streams []Stream
}

// Stream holds the slots of one parallel auction lane, ordered by time.
// Stream ids are 1-based.
type Stream struct {
	StreamID int
	Slots    []Slot
}

// Slot is a 30-minute reservation cell. TenderID == "" means free.
type Slot struct {
	Time     string // "15:04:05"
	TenderID string
	LotID    string
}

// SlotRef points at a concrete slot row, with the plan's day resolved.
type SlotRef struct {
	PlanID   string
	Day      string
	Stream   int
	Time     string
	TenderID string
	LotID    string
}

// JobRecord is one persisted timer job. Payload is opaque JSON owned by
// the job queue.
type JobRecord struct {
	Key     string
	DueAt   time.Time
	Grace   time.Duration
	Payload []byte
}

// FeedCursor is the marketplace listing crawl position.
type FeedCursor struct {
	Offset   string
	ServerID string
}
