// Package habitkit implements the data layer of a gamified habit tracker:
// an offline-resilient synchronization service that keeps a remote document
// store and a local persistent cache consistent under intermittent
// connectivity.
//
// The core is SyncService, which exposes read/write operations for each
// entity type (character state, habits, achievements, bonuses, coin ledger,
// daily records). Reads and writes attempt the remote store first, fall back
// to the local store on failure or while offline, and enqueue deferred
// remote writes on a RetryQueue that drains when connectivity returns.
//
// Basic usage:
//
//	remote := habitkit.NewMemoryRemoteStore()
//	local := habitkit.NewMemoryLocalStore()
//	obs := habitkit.NewConnectivityObserver(habitkit.DefaultConnectivityConfig())
//	svc := habitkit.NewSyncService(habitkit.DefaultConfig(), remote, local, obs)
//
//	svc.SaveCharacter(ctx, "user-1", character)
//	state, _ := svc.Character(ctx, "user-1")
//
// Connectivity loss never surfaces as an error from SyncService reads or
// writes; callers receive the most recent locally cached value instead.
// The adopted conflict policy between concurrent writers is last-write-wins;
// the version counter stored with every remote document is advisory.
package habitkit
