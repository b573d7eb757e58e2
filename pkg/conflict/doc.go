// Package conflict detects, classifies, and scores schedule conflicts.
// Category detectors run in parallel over a shared snapshot; findings
// are deduplicated by fingerprint and sorted by severity, then by a
// weighted display score. Pure helpers derive timeline, heatmap,
// distribution, and person-impact views from a conflict list.
package conflict
