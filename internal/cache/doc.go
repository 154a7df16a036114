// Package cache keeps gateway entities in memory as dispatches arrive.
//
// The cache runs as a dispatch hook on each shard goroutine: it updates
// its stores and attaches the previously cached entity to the dispatch
// before the event is published. Persistence, when configured, happens
// off the shard goroutine.
package cache
