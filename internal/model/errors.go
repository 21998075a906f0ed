package model

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrJobNotFound     = errors.New("job not found")
	ErrArchiveNotReady = errors.New("job is not completed")
	ErrSchedulerFatal  = errors.New("page fetcher is unavailable")
)
