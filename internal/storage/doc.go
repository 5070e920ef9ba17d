// Package storage is the optional persistence layer: a per-send delivery
// log, dedup fingerprints that survive restarts, and stats snapshots.
//
// Everything here is best-effort from the engine's point of view; a broken
// store never fails a distribution.
package storage
