// Package trigger fires recurring runs from configured schedules.
//
// It only decides when a run should begin; the run itself is handed to a
// Launcher (the scheduler in serve mode). A schedule that fires while a run is
// still active is skipped, never queued.
package trigger
