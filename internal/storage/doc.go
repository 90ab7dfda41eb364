// Package storage persists everything the broadcast engine needs between
// restarts: linked accounts, target groups, per-owner settings, the rotation
// cursor, run state, group suspensions and blacklist, analytics counters, the
// per-send log, and notifier dedup keys.
//
// Drivers: "sqlite" (modernc, pure Go), "postgres" (lib/pq) and "memory".
package storage
