// Package store provides SQLite-backed durable storage for the repost engine.
//
// Tables:
//   - content_items: source media with engagement counters and ranking fields
//   - queue_entries: repost work, one live row per (content, platform)
//   - post_history: one row per successful publish, read by duplicate and
//     cooldown checks
//   - leases: named run leases with an expiry
//
// # Queue Guarantees
//
// Enqueue is idempotent per logical key. A partial unique index covers rows
// in queued, processing or completed state, and inserts use ON CONFLICT DO
// NOTHING. Failed and cancelled rows fall out of the index, which lets a
// retry take the key.
//
// Every status change is a conditional UPDATE on the expected prior status.
// Zero affected rows means another claimant or an operator got there first.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are unix milliseconds in UTC.
package store
