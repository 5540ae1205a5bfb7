package domain

import "errors"

// Error taxonomy shared by the pipeline stages.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrStorageRead    = errors.New("storage read failed")
	ErrStorageWrite   = errors.New("storage write failed")
	ErrDecode         = errors.New("image decode failed")
	ErrPublish        = errors.New("publish failed")
)
