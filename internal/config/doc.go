// Package config loads the gateway configuration.
//
// Configuration comes from a YAML file with ${VAR} expansion, then from
// environment variables for the fields that name one (GATEWAY_TOKEN,
// GATEWAY_SHARDS, LOG_LEVEL, ...). Defaults fill anything left unset.
package config
