// Package scheduler triggers housekeeping jobs (asset sweep, history prune,
// profile reconcile) on cron or interval schedules. Execution is delegated to
// the task engine; this package only computes trigger times and enqueues.
package scheduler
