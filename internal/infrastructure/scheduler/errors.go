package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when triggering a stopped scheduler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")

	// ErrFlushInProgress is returned when a flush is requested while one is running
	ErrFlushInProgress = errors.New("cache flush already in progress")

	// ErrFlushDisabled is returned when a flush is requested but flushing is turned off
	ErrFlushDisabled = errors.New("cache flush is disabled")
)
