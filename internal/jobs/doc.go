// Package jobs schedules the periodic maintenance of a running service:
// proxy health sweeps and rate limiter cleanup.
package jobs
