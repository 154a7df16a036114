// Package client ties bootstrap, sharding, caching and events together.
//
// A Client is built from a config.Config. Login asks the REST API for the
// gateway URL, the recommended shard count and the session start limit,
// sizes the identify gate from it and starts the shards. Events are
// delivered through Events() to handlers registered before or after Login.
package client
