// Package gateway implements the sharded gateway connection core.
//
// Components:
//   - Gate admits at most N identifies per window, in request order
//   - Heartbeat keeps each connection alive and detects zombies
//   - Router decodes frames, tracks sequence numbers and forwards dispatches
//   - Shard drives one connection through identify, resume and reconnect
//   - Manager owns the shards of a process and aggregates their readiness
//
// Shards never reference their manager; they report through a Publisher.
package gateway
