// Package api provides the REST client used to bootstrap gateway sessions.
//
// REST endpoint:
//   - https://discord.com/api/v10
//
// Only the bootstrap routes are implemented: GET /gateway and
// GET /gateway/bot.
package api
