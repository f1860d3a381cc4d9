package objstore

import "errors"

// Object store error types.
var (
	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidRequest     = errors.New("invalid request")
)
