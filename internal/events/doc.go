// Package events carries outward gateway events to the owning client.
//
// Each event kind has its own typed channel; consumers register handlers
// per kind (OnShardReady, OnDispatch, ...) instead of matching event names.
package events
