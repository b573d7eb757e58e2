// Package log provides structured logging for rosterd built on zerolog.
// Call Init once at startup, then derive component loggers with
// WithComponent and friends.
package log
