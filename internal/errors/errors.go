package errors

import "errors"

// Job-level errors. These abort a run before any network activity.
var (
	ErrJobSizeExceeded = errors.New("aggregate file size exceeds job ceiling")
)

// Remote store errors.
var (
	ErrUnauthorized       = errors.New("remote store rejected credentials")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrPreconditionFailed = errors.New("content hash precondition failed")
)
