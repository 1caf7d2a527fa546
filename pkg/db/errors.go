package db

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrMaintenance      = errors.New("store temporarily unavailable")
	ErrRecordNotFound   = errors.New("record not found")
	errInvalidCacheType = errors.New("invalid type found in cache")
)
