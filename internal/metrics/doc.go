// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Shard state, reconnects and disconnects by close class
//   - Dispatch throughput by event name
//   - Heartbeat latency per shard
//   - Identify admission waits and slots in use
//   - Malformed frame counts
package metrics
