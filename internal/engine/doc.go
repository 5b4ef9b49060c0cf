// Package engine drives the repost queue.
//
// ARCHITECTURE:
//
// Executor:
// Tick claims a bounded batch of due entries and dispatches each to the
// publisher registered for its platform. One tick:
// 1. Counts entries completed today (configured timezone), overall and per
// platform. A store error here aborts the tick with a TickError.
// 2. Lists due queued entries by priority, then scheduledFor.
// 3. Skips entries whose platform cap is reached and stops claiming once the
// daily cap is reached. Claims made in this tick count against the caps.
// 4. Claims each entry with a conditional update. A lost claim is skipped.
// 5. Publishes, then records completed or failed. One failure never stops
// the rest of the batch.
//
// Every state change is emitted to the events sink.
//
// Runner:
// One pipeline run is ranking followed by a tick. Runs are mutually
// exclusive in-process through an atomic guard and across processes through
// a lease held under a fresh run token.
//
// RetryPolicy:
// Sweep turns transient failures that have attempts left into new queued
// entries with exponential backoff. Configuration failures wait for an
// operator.
package engine
