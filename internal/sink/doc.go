// Package sink forwards gateway dispatches to NATS.
//
// Each dispatch is published as a JSON envelope on
// <prefix>.<EVENT_NAME>, e.g. gateway.dispatch.MESSAGE_CREATE, so
// consumers can subscribe to one event or to <prefix>.> for all of them.
package sink
