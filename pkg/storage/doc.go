// Package storage provides the persistence facade for rosterd domain
// entities and scheduled jobs, backed by BoltDB.
package storage
