// Package storage persists the season state shared by worker instances:
// schedule entries, recorded results, playoff series, the tick lock row, and
// the notifier dedup window.
//
// Two drivers exist. The sqlite driver is the production one; it is the only
// storage all replicas must share, because the tick lock row lives here.
// The memory driver exists for tests and single-instance development.
package storage
