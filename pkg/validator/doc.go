// Package validator checks schedules against ACGME requirements: the
// 80-hour rolling weekly average, one day off in seven, and faculty
// supervision ratios scaled by PGY level.
package validator
