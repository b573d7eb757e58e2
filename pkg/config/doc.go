// Package config loads rosterd configuration from YAML layered over
// built-in defaults. Solver soft-objective weights live here so programs
// can tune scoring without code changes.
package config
