// Package model defines the domain records shared by every recast component:
// source content, media fingerprints, queue entries and the transitions
// between queue states.
//
// # Queue State Machine
//
//	queued -----> processing -----> completed
//	   |              |-----------> failed
//	   |              +-----------> cancelled
//	   +--------------------------> cancelled
//
// completed, failed and cancelled are terminal for an entry. A failed entry
// is never moved back to queued; a retry is a new entry that points at the
// failed one through RetryOf.
//
// # Logical Key
//
// Queue entries are unique per (SourceContentID, TargetPlatform) while they
// are queued, processing or completed. Failed and cancelled entries do not
// occupy the key, which is what allows a retry to be enqueued.
package model
