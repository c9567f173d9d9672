// Package storage persists chronograph state in a single sqlite file:
// the calendar (holidays + stream capacity), day plans with their
// stream/slot reservations, the job queue records, and the feed cursor.
//
// The job queue must survive restarts, so unlike optional stores this one
// is mandatory: Open() failing aborts startup.
package storage
