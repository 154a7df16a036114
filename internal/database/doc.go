// Package database persists the guild cache to PostgreSQL.
//
// Persistence is optional. When enabled, the cache is warmed from the
// guilds table at startup and every cache write is mirrored to it in the
// background.
package database
