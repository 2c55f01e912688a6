// Package stores keeps the run history in SQLite.
//
// A run row is written when a run starts and completed when it finishes;
// every executed or skipped task adds a task_results row and every
// telemetry event of the run is appended to events. The schema is managed
// with golang-migrate from migrations embedded in the binary.
package stores
