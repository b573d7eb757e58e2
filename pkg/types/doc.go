// Package types defines the core data structures shared across rosterd
// packages: people, blocks, assignments, rotation templates, absences,
// credentials, service instances, and scheduled jobs.
package types
