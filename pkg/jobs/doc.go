// Package jobs runs persisted background jobs on cron, interval, and
// one-shot triggers, with missed-run reconciliation, overlap caps, and
// per-run execution records.
package jobs
