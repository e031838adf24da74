// Package store persists delivery units and their sent records.
//
// It is the single source of truth for recovery: after a restart the queue
// is rebuilt entirely from what this package reports as pending.
package store
