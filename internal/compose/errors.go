package compose

import "errors"

var (
	ErrNoCandidates     = errors.New("no eligible sources to compose")
	ErrCapacityExceeded = errors.New("too many sources for the tile grid")
	ErrReadinessTimeout = errors.New("first segment deadline exceeded")
	ErrProcessFailure   = errors.New("transcoder exited unexpectedly")
)
